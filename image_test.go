package elfspirit

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var layouts = []struct {
	name string
	f    fixture
}{
	{"elf64-lsb", fixture{}},
	{"elf32-lsb", fixture{class: elf.ELFCLASS32}},
	{"elf64-msb", fixture{data: elf.ELFDATA2MSB, machine: elf.EM_PPC64}},
	{"elf32-msb", fixture{class: elf.ELFCLASS32, data: elf.ELFDATA2MSB, machine: elf.EM_MIPS}},
}

func TestParseRoundTrip(t *testing.T) {
	for _, tc := range layouts {
		t.Run(tc.name, func(t *testing.T) {
			data := buildELF(t, tc.f)
			img := mustParse(t, data)

			again, out := reparse(t, img)
			assert.Equal(t, data, out)
			if diff := cmp.Diff(img, again, cmpopts.IgnoreUnexported(Image{})); diff != "" {
				t.Errorf("model changed after round trip (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseAgreesWithDebugElf(t *testing.T) {
	for _, tc := range layouts {
		t.Run(tc.name, func(t *testing.T) {
			data := buildELF(t, tc.f)
			img := mustParse(t, data)
			std := stdParse(t, data)

			assert.Equal(t, std.Class, img.Class)
			assert.Equal(t, std.Data, img.Data)
			assert.Equal(t, std.Machine, img.Machine)
			assert.Equal(t, std.Entry, img.Entry)
			require.Len(t, img.Sections, len(std.Sections))
			for i, s := range std.Sections {
				got := img.Sections[i]
				assert.Equal(t, s.Name, got.Name, "section %d", i)
				assert.Equal(t, s.Type, got.Type, "section %d", i)
				assert.Equal(t, s.Flags, got.Flags, "section %d", i)
				assert.Equal(t, s.Addr, got.Addr, "section %d", i)
				assert.Equal(t, s.Offset, got.Offset, "section %d", i)
				assert.Equal(t, s.Size, got.Size, "section %d", i)
				assert.Equal(t, s.Link, got.Link, "section %d", i)
				assert.Equal(t, s.Info, got.Info, "section %d", i)
			}
			require.Len(t, img.Progs, len(std.Progs))
			for i, p := range std.Progs {
				got := img.Progs[i]
				assert.Equal(t, p.Type, got.Type, "prog %d", i)
				assert.Equal(t, p.Flags, got.Flags, "prog %d", i)
				assert.Equal(t, p.Off, got.Off, "prog %d", i)
				assert.Equal(t, p.Vaddr, got.Vaddr, "prog %d", i)
				assert.Equal(t, p.Filesz, got.Filesz, "prog %d", i)
				assert.Equal(t, p.Memsz, got.Memsz, "prog %d", i)
				assert.Equal(t, p.Align, got.Align, "prog %d", i)
			}

			libs, err := std.ImportedLibraries()
			require.NoError(t, err)
			needed, err := img.Needed()
			require.NoError(t, err)
			assert.Equal(t, libs, needed)
		})
	}
}

func TestParseErrors(t *testing.T) {
	le := binary.LittleEndian
	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"bad magic", func(b []byte) []byte { b[1] = 'X'; return b }},
		{"bad class", func(b []byte) []byte { b[elf.EI_CLASS] = 3; return b }},
		{"bad encoding", func(b []byte) []byte { b[elf.EI_DATA] = 0; return b }},
		{"short header", func(b []byte) []byte { return b[:40] }},
		{"section table past end", func(b []byte) []byte {
			le.PutUint64(b[0x28:], uint64(len(b)))
			return b
		}},
		{"too many program headers", func(b []byte) []byte {
			le.PutUint16(b[0x38:], 0x7fff)
			return b
		}},
		{"bad section entry size", func(b []byte) []byte {
			le.PutUint16(b[0x3a:], 40)
			return b
		}},
		{"section content past end", func(b []byte) []byte {
			shoff := le.Uint64(b[0x28:])
			le.PutUint64(b[shoff+64+32:], uint64(len(b)))
			return b
		}},
		{"name table index out of range", func(b []byte) []byte {
			le.PutUint16(b[0x3e:], 200)
			return b
		}},
		{"truncated file", func(b []byte) []byte { return b[:len(b)-1] }},
		{"name table index without section table", func(b []byte) []byte {
			le.PutUint64(b[0x28:], 0)
			le.PutUint16(b[0x3c:], 0)
			le.PutUint16(b[0x3e:], uint16(elf.SHN_XINDEX))
			return b
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.mutate(buildELF(t, fixture{}))
			_, err := Parse(data)
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestEncodeExtendedNameIndexWithoutSections(t *testing.T) {
	img := mustParse(t, buildELF(t, fixture{}))
	require.NoError(t, img.DeleteSectionHeaderTable())
	img.Shstrndx = uint32(elf.SHN_XINDEX)
	_, err := img.Bytes()
	require.ErrorIs(t, err, ErrLayout)
}

func TestParseExtendedNumbering(t *testing.T) {
	le := binary.LittleEndian
	data := buildELF(t, fixture{})
	want := mustParse(t, data)

	shoff := le.Uint64(data[0x28:])
	le.PutUint16(data[0x3c:], 0)
	le.PutUint16(data[0x3e:], uint16(elf.SHN_XINDEX))
	le.PutUint64(data[shoff+32:], uint64(len(want.Sections)))
	le.PutUint32(data[shoff+40:], want.Shstrndx)

	img := mustParse(t, data)
	require.Len(t, img.Sections, len(want.Sections))
	assert.Equal(t, want.Shstrndx, img.Shstrndx)
	for i := 1; i < len(want.Sections); i++ {
		assert.Equal(t, want.Sections[i].Name, img.Sections[i].Name)
	}
}

func TestSectionLookup(t *testing.T) {
	img := mustParse(t, buildELF(t, fixture{}))

	assert.Equal(t, -1, img.SectionIndex(""))
	assert.Equal(t, -1, img.SectionIndex(".missing"))
	assert.Nil(t, img.Section(".missing"))

	text := img.Section(".text")
	require.NotNil(t, text)
	data, err := img.SectionData(text)
	require.NoError(t, err)
	assert.Equal(t, textBytes, data)

	off, ok := img.VaddrToOffset(text.Addr)
	require.True(t, ok)
	assert.Equal(t, text.Offset, off)
	_, ok = img.VaddrToOffset(0x10)
	assert.False(t, ok)
}

func TestSymbols(t *testing.T) {
	for _, tc := range layouts {
		t.Run(tc.name, func(t *testing.T) {
			img := mustParse(t, buildELF(t, tc.f))
			syms, err := img.Symbols(img.Section(".symtab"))
			require.NoError(t, err)
			require.Len(t, syms, 3)
			assert.Equal(t, "_ZN3foo3barEv", syms[1].Name)
			assert.Equal(t, "main", syms[2].Name)
			assert.Equal(t, elf.STT_FUNC, syms[2].Type())
			assert.Equal(t, elf.STB_GLOBAL, syms[2].Bind())
			assert.Equal(t, uint64(8), syms[2].Size)

			_, err = img.Symbols(img.Section(".text"))
			require.Error(t, err)
		})
	}
}
