package elfspirit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrint(t *testing.T) {
	data := buildELF(t, fixture{spareDyn: 1})
	img := mustParse(t, data)

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, img, PrintOptions{NoColor: true}))
	out := buf.String()

	for _, want := range []string{
		"ELF Header",
		"ELFCLASS64",
		"EM_X86_64",
		"Program Headers (3)",
		"PHDR",
		"DYNAMIC",
		"Section Headers (7)",
		".dynstr",
		".shstrtab",
		"AX",
		"Dynamic Section",
		"NEEDED",
		"[libc.so.6]",
		"Symbol table '.symtab' (3 entries)",
		"_ZN3foo3barEv",
		"main",
		"FUNC",
		"GLOBAL",
	} {
		assert.Contains(t, out, want)
	}

	after, err := img.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, after, "printing must not modify the image")
}

func TestPrintDemangle(t *testing.T) {
	img := mustParse(t, buildELF(t, fixture{}))
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, img, PrintOptions{NoColor: true, Demangle: true}))
	assert.Contains(t, buf.String(), "foo::bar()")
	assert.NotContains(t, buf.String(), "_ZN3foo3barEv")
}

func TestPrintStatic(t *testing.T) {
	img := mustParse(t, buildELF(t, fixture{static: true}))
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, img, PrintOptions{NoColor: true}))
	assert.NotContains(t, buf.String(), "Dynamic Section")
	assert.Contains(t, buf.String(), "Program Headers (2)")
}

func TestPrintWithoutSections(t *testing.T) {
	img := mustParse(t, buildELF(t, fixture{}))
	require.NoError(t, img.DeleteSectionHeaderTable())
	got, _ := reparse(t, img)

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, got, PrintOptions{NoColor: true}))
	assert.Contains(t, buf.String(), "There are no sections in this file.")
	assert.Contains(t, buf.String(), "[libc.so.6]")
}

func TestFlagStrings(t *testing.T) {
	assert.Equal(t, "R E", progFlagString(5))
	assert.Equal(t, "WA", sectionFlagString(3))
	assert.Equal(t, "UND", symbolIndexString(0))
	assert.Equal(t, "7", symbolIndexString(7))
}
