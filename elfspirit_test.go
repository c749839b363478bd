package elfspirit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSections(t *testing.T) {
	sections, err := ListSections(buildELF(t, fixture{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"", ".dynstr", ".dynamic", ".text", ".symtab", ".strtab", ".shstrtab"}, sections)

	_, err = ListSections([]byte("not an elf file"))
	require.ErrorIs(t, err, ErrFormat)
}

func TestReadSection(t *testing.T) {
	data := buildELF(t, fixture{})
	content, err := ReadSection(data, ".text")
	require.NoError(t, err)
	assert.Equal(t, textBytes, content)

	content[0] = 0
	again, err := ReadSection(data, ".text")
	require.NoError(t, err)
	assert.Equal(t, textBytes, again, "returned bytes are a copy")

	_, err = ReadSection(data, ".nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddSectionData(t *testing.T) {
	payload := []byte("hello from a new section")
	out, err := AddSectionData(buildELF(t, fixture{}), ".note.hello", payload)
	require.NoError(t, err)

	content, err := ReadSection(out, ".note.hello")
	require.NoError(t, err)
	assert.Equal(t, payload, content)
	assert.NotNil(t, stdParse(t, out).Section(".note.hello"))
}

func TestByteSliceEdits(t *testing.T) {
	data := buildELF(t, fixture{spareDyn: 1})

	out, err := AddSection(data, "n1", 64, 0)
	require.NoError(t, err)
	sections, err := ListSections(out)
	require.NoError(t, err)
	assert.Contains(t, sections, "n1")

	out, err = RemoveSection(out, "n1")
	require.NoError(t, err)
	sections, err = ListSections(out)
	require.NoError(t, err)
	assert.NotContains(t, sections, "n1")

	_, err = RemoveSection(out, "n1")
	require.ErrorIs(t, err, ErrNotFound)

	donor := buildELF(t, donorFixture(fixture{}))
	out, err = InjectSO(out, donor, InjectRequest{SectionName: ".evil", SOName: "libevil.so"})
	require.NoError(t, err)
	libs, err := stdParse(t, out).ImportedLibraries()
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so.6", "libevil.so"}, libs)

	out, err = RemoveSectionHeaderTable(out)
	require.NoError(t, err)
	sections, err = ListSections(out)
	require.NoError(t, err)
	assert.Empty(t, sections)
}

func TestInjectSOBadDonor(t *testing.T) {
	_, err := InjectSO(buildELF(t, fixture{}), []byte("garbage"), InjectRequest{SectionName: ".evil", SOName: "x.so"})
	require.ErrorIs(t, err, ErrFormat)
}
