package elfspirit

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixture describes a small synthetic executable: PT_PHDR, one PT_LOAD
// covering the header, .dynstr, .dynamic and .text, and PT_DYNAMIC; then a
// non-allocated .symtab, .strtab and .shstrtab, followed by the section
// header table at the end of the file.
type fixture struct {
	class   elf.Class
	data    elf.Data
	machine elf.Machine
	typ     elf.Type
	// spareDyn is the number of DT_NULL slots after the terminator.
	spareDyn int
	// static leaves out the dynamic array, its string table and PT_DYNAMIC.
	static bool
	soname string
}

func (f fixture) withDefaults() fixture {
	if f.class == elf.ELFCLASSNONE {
		f.class = elf.ELFCLASS64
	}
	if f.data == elf.ELFDATANONE {
		f.data = elf.ELFDATA2LSB
	}
	if f.machine == elf.EM_NONE {
		f.machine = elf.EM_X86_64
		if f.class == elf.ELFCLASS32 {
			f.machine = elf.EM_386
		}
	}
	if f.typ == elf.ET_NONE {
		f.typ = elf.ET_EXEC
	}
	return f
}

func (f fixture) base() uint64 {
	if f.class == elf.ELFCLASS32 {
		return 0x8048000
	}
	return 0x400000
}

var textBytes = bytes.Repeat([]byte{0xc3}, 16)

func buildELF(t testing.TB, f fixture) []byte {
	t.Helper()
	f = f.withDefaults()
	c, err := newCodec(f.class, f.data)
	require.NoError(t, err)
	word := c.wordSize()
	base := f.base()

	nprogs := 3
	if f.static {
		nprogs = 2
	}
	phoff := uint64(c.ehdrSize())
	raw := make([]byte, phoff+uint64(nprogs*c.phdrSize()))
	place := func(data []byte, align uint64) uint64 {
		off := alignUp(uint64(len(raw)), align)
		raw = append(raw, make([]byte, off-uint64(len(raw)))...)
		raw = append(raw, data...)
		return off
	}
	sections := []*Section{{}}
	add := func(s *Section) int {
		sections = append(sections, s)
		return len(sections) - 1
	}

	var dynOff, dynSize uint64
	if !f.static {
		strs, libc := StringTable{0}.Append("libc.so.6")
		var soname uint32
		if f.soname != "" {
			strs, soname = strs.Append(f.soname)
		}
		strOff := place(strs, 1)
		dynstr := add(&Section{
			Name: ".dynstr", Type: elf.SHT_STRTAB, Flags: elf.SHF_ALLOC,
			Addr: base + strOff, Offset: strOff, Size: uint64(len(strs)), Addralign: 1,
		})

		entries := []Dyn{{Tag: elf.DT_NEEDED, Val: uint64(libc)}}
		if f.soname != "" {
			entries = append(entries, Dyn{Tag: elf.DT_SONAME, Val: uint64(soname)})
		}
		entries = append(entries,
			Dyn{Tag: elf.DT_STRTAB, Val: base + strOff},
			Dyn{Tag: elf.DT_STRSZ, Val: uint64(len(strs))},
			Dyn{Tag: elf.DT_NULL},
		)
		for i := 0; i < f.spareDyn; i++ {
			entries = append(entries, Dyn{Tag: elf.DT_NULL})
		}
		n := c.dynSize()
		buf := make([]byte, len(entries)*n)
		for i, d := range entries {
			c.encodeDyn(buf[i*n:(i+1)*n], d)
		}
		dynOff, dynSize = place(buf, word), uint64(len(buf))
		add(&Section{
			Name: ".dynamic", Type: elf.SHT_DYNAMIC, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			Addr: base + dynOff, Offset: dynOff, Size: dynSize, Link: uint32(dynstr),
			Addralign: word, Entsize: uint64(n),
		})
	}

	textOff := place(textBytes, 16)
	text := add(&Section{
		Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addr: base + textOff, Offset: textOff, Size: uint64(len(textBytes)), Addralign: 16,
	})
	loadEnd := uint64(len(raw))

	symNames, mangled := StringTable{0}.Append("_ZN3foo3barEv")
	symNames, mainName := symNames.Append("main")
	syms := []Symbol{
		{},
		{NameOff: mangled, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: elf.SectionIndex(text), Value: base + textOff, Size: 8},
		{NameOff: mainName, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: elf.SectionIndex(text), Value: base + textOff + 8, Size: 8},
	}
	n := c.symSize()
	symBuf := make([]byte, len(syms)*n)
	for i, s := range syms {
		encodeSymbol(c, symBuf[i*n:(i+1)*n], s)
	}
	symOff := place(symBuf, word)
	symtab := add(&Section{
		Name: ".symtab", Type: elf.SHT_SYMTAB, Offset: symOff, Size: uint64(len(symBuf)),
		Info: 1, Addralign: word, Entsize: uint64(n),
	})
	strOff := place(symNames, 1)
	strtab := add(&Section{Name: ".strtab", Type: elf.SHT_STRTAB, Offset: strOff, Size: uint64(len(symNames)), Addralign: 1})
	sections[symtab].Link = uint32(strtab)

	names := StringTable{0}
	for _, s := range sections[1:] {
		names, s.NameOff = names.Append(s.Name)
	}
	shstr := &Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Addralign: 1}
	names, shstr.NameOff = names.Append(shstr.Name)
	shstr.Offset, shstr.Size = place(names, 1), uint64(len(names))
	shstrndx := add(shstr)

	shoff := alignUp(uint64(len(raw)), word)
	raw = append(raw, make([]byte, shoff-uint64(len(raw))+uint64(len(sections)*c.shdrSize()))...)

	progs := []*Prog{
		{
			Type: elf.PT_PHDR, Flags: elf.PF_R, Off: phoff, Vaddr: base + phoff, Paddr: base + phoff,
			Filesz: uint64(nprogs * c.phdrSize()), Memsz: uint64(nprogs * c.phdrSize()), Align: word,
		},
		{
			Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W | elf.PF_X, Vaddr: base, Paddr: base,
			Filesz: loadEnd, Memsz: loadEnd, Align: 0x1000,
		},
	}
	if !f.static {
		progs = append(progs, &Prog{
			Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Off: dynOff, Vaddr: base + dynOff, Paddr: base + dynOff,
			Filesz: dynSize, Memsz: dynSize, Align: word,
		})
	}

	copy(raw, elf.ELFMAG)
	raw[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	img := &Image{
		FileHeader: FileHeader{
			Class:     f.class,
			Data:      f.data,
			OSABI:     elf.ELFOSABI_NONE,
			Type:      f.typ,
			Machine:   f.machine,
			Version:   elf.EV_CURRENT,
			Entry:     base + textOff,
			Ehsize:    uint16(c.ehdrSize()),
			Phoff:     phoff,
			Phentsize: uint16(c.phdrSize()),
			Shoff:     shoff,
			Shentsize: uint16(c.shdrSize()),
			Shstrndx:  uint32(shstrndx),
		},
		Progs:    progs,
		Sections: sections,
		raw:      raw,
		codec:    c,
	}
	out, err := img.Bytes()
	require.NoError(t, err)
	return out
}

func encodeSymbol(c codec, b []byte, s Symbol) {
	w := c.cursor(b)
	w.put32(s.NameOff)
	if c.is64() {
		w.put8(s.Info)
		w.put8(s.Other)
		w.put16(uint16(s.Shndx))
		w.put64(s.Value)
		w.put64(s.Size)
		return
	}
	w.put32(uint32(s.Value))
	w.put32(uint32(s.Size))
	w.put8(s.Info)
	w.put8(s.Other)
	w.put16(uint16(s.Shndx))
}

func mustParse(t testing.TB, data []byte) *Image {
	t.Helper()
	img, err := Parse(data)
	require.NoError(t, err)
	return img
}

// reparse serializes img and parses the result.
func reparse(t testing.TB, img *Image) (*Image, []byte) {
	t.Helper()
	out, err := img.Bytes()
	require.NoError(t, err)
	return mustParse(t, out), out
}

// stdParse checks that the standard library accepts data.
func stdParse(t testing.TB, data []byte) *elf.File {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	return f
}
