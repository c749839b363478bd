package elfspirit

import (
	"bytes"
	"debug/elf"
)

// FileHeader is the decoded ELF file header. The program and section header
// counts are not stored here; they are the lengths of Image.Progs and
// Image.Sections.
type FileHeader struct {
	Class      elf.Class
	Data       elf.Data
	OSABI      elf.OSABI
	ABIVersion uint8
	Type       elf.Type
	Machine    elf.Machine
	Version    elf.Version
	Entry      uint64
	Flags      uint32
	Ehsize     uint16
	Phoff      uint64
	Phentsize  uint16
	Shoff      uint64
	Shentsize  uint16
	Shstrndx   uint32
}

// Prog is one program header (segment descriptor).
type Prog struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Section is one section header. Name is resolved through the section-name
// string table; NameOff is what gets written back.
type Section struct {
	Name      string
	NameOff   uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// hasFileData reports whether the section occupies bytes in the file.
func (s *Section) hasFileData() bool {
	return s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL && s.Size > 0
}

// Image is an ELF file held in memory. raw is the only copy of the file
// bytes; headers are decoded views into it and are written back by Bytes.
// Edits never move existing content: they append to raw or zero parts of it.
type Image struct {
	FileHeader
	Progs    []*Prog
	Sections []*Section

	raw   []byte
	codec codec
}

// Parse decodes an ELF image. The input slice is copied.
func Parse(data []byte) (*Image, error) {
	if len(data) < elf.EI_NIDENT {
		return nil, formatErrorf("file too short for ELF identification (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return nil, formatErrorf("bad magic % x", data[:4])
	}
	c, err := newCodec(elf.Class(data[elf.EI_CLASS]), elf.Data(data[elf.EI_DATA]))
	if err != nil {
		return nil, err
	}
	if len(data) < c.ehdrSize() {
		return nil, formatErrorf("file too short for %v header (%d bytes)", c.class, len(data))
	}

	img := &Image{
		raw:   append([]byte(nil), data...),
		codec: c,
	}
	phnum, shnum := img.decodeHeader()

	if img.Ehsize != 0 && int(img.Ehsize) < c.ehdrSize() {
		return nil, formatErrorf("header size %d smaller than %d", img.Ehsize, c.ehdrSize())
	}
	if err := img.decodeSections(shnum); err != nil {
		return nil, err
	}
	if err := img.decodeProgs(phnum); err != nil {
		return nil, err
	}
	if err := img.resolveSectionNames(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) decodeHeader() (phnum, shnum uint16) {
	ident := img.raw[:elf.EI_NIDENT]
	img.Class = elf.Class(ident[elf.EI_CLASS])
	img.Data = elf.Data(ident[elf.EI_DATA])
	img.OSABI = elf.OSABI(ident[elf.EI_OSABI])
	img.ABIVersion = ident[elf.EI_ABIVERSION]

	r := img.codec.cursor(img.raw[elf.EI_NIDENT:img.codec.ehdrSize()])
	img.Type = elf.Type(r.u16())
	img.Machine = elf.Machine(r.u16())
	img.Version = elf.Version(r.u32())
	img.Entry = r.word()
	img.Phoff = r.word()
	img.Shoff = r.word()
	img.Flags = r.u32()
	img.Ehsize = r.u16()
	img.Phentsize = r.u16()
	phnum = r.u16()
	img.Shentsize = r.u16()
	shnum = r.u16()
	img.Shstrndx = uint32(r.u16())
	return phnum, shnum
}

// decodeSections reads the section header table, following the extended
// numbering escape in section 0 when the count or string index overflow.
func (img *Image) decodeSections(shnum uint16) error {
	if img.Shoff == 0 {
		if shnum != 0 {
			return formatErrorf("%d section headers declared at offset 0", shnum)
		}
		if img.Shstrndx != 0 {
			return formatErrorf("section name table index %d without a section header table", img.Shstrndx)
		}
		return nil
	}
	if int(img.Shentsize) != img.codec.shdrSize() {
		return formatErrorf("section header entry size %d, want %d", img.Shentsize, img.codec.shdrSize())
	}

	count := uint64(shnum)
	first, err := img.span(img.Shoff, uint64(img.Shentsize))
	if err != nil {
		return formatErrorf("section header table at 0x%x outside file", img.Shoff)
	}
	zero := img.codec.decodeSection(first)
	if shnum == 0 {
		count = zero.Size
	}
	if img.Shstrndx == uint32(elf.SHN_XINDEX) {
		img.Shstrndx = zero.Link
	}

	table, err := img.span(img.Shoff, count*uint64(img.Shentsize))
	if err != nil {
		return formatErrorf("section header table (%d entries at 0x%x) exceeds file size %d", count, img.Shoff, len(img.raw))
	}
	img.Sections = make([]*Section, 0, count)
	for i := uint64(0); i < count; i++ {
		off := i * uint64(img.Shentsize)
		s := img.codec.decodeSection(table[off : off+uint64(img.Shentsize)])
		if s.hasFileData() && !inBounds(s.Offset, s.Size, uint64(len(img.raw))) {
			return formatErrorf("section %d content [0x%x, +0x%x) exceeds file size %d", i, s.Offset, s.Size, len(img.raw))
		}
		img.Sections = append(img.Sections, s)
	}
	if img.Shstrndx != 0 && uint64(img.Shstrndx) >= count {
		return formatErrorf("section name table index %d out of range (%d sections)", img.Shstrndx, count)
	}
	return nil
}

func (img *Image) decodeProgs(phnum uint16) error {
	count := uint64(phnum)
	if phnum == 0xffff && len(img.Sections) > 0 {
		count = uint64(img.Sections[0].Info)
	}
	if count == 0 {
		return nil
	}
	if int(img.Phentsize) != img.codec.phdrSize() {
		return formatErrorf("program header entry size %d, want %d", img.Phentsize, img.codec.phdrSize())
	}
	table, err := img.span(img.Phoff, count*uint64(img.Phentsize))
	if err != nil {
		return formatErrorf("program header table (%d entries at 0x%x) exceeds file size %d", count, img.Phoff, len(img.raw))
	}
	img.Progs = make([]*Prog, 0, count)
	for i := uint64(0); i < count; i++ {
		off := i * uint64(img.Phentsize)
		p := img.codec.decodeProg(table[off : off+uint64(img.Phentsize)])
		if p.Filesz > 0 && !inBounds(p.Off, p.Filesz, uint64(len(img.raw))) {
			return formatErrorf("segment %d file range [0x%x, +0x%x) exceeds file size %d", i, p.Off, p.Filesz, len(img.raw))
		}
		img.Progs = append(img.Progs, p)
	}
	return nil
}

func (img *Image) resolveSectionNames() error {
	names := img.sectionNames()
	if names == nil {
		return nil
	}
	for i, s := range img.Sections {
		name, ok := names.At(s.NameOff)
		if !ok {
			return formatErrorf("section %d name offset %d outside name table (%d bytes)", i, s.NameOff, len(names))
		}
		s.Name = name
	}
	return nil
}

// Bytes encodes the headers back into the buffer and returns a copy of the
// file. Table offsets and counts are taken from the current model.
func (img *Image) Bytes() ([]byte, error) {
	if err := img.encode(); err != nil {
		return nil, err
	}
	return append([]byte(nil), img.raw...), nil
}

func (img *Image) encode() error {
	phnum := len(img.Progs)
	shnum := len(img.Sections)

	var zero *Section
	if shnum > 0 {
		copied := *img.Sections[0]
		zero = &copied
	}
	hdrPhnum := uint16(phnum)
	if phnum >= 0xffff {
		if zero == nil {
			return layoutErrorf("%d program headers need extended numbering but there is no section table", phnum)
		}
		hdrPhnum = 0xffff
		zero.Info = uint32(phnum)
	}
	hdrShnum := uint16(shnum)
	if shnum >= int(elf.SHN_LORESERVE) {
		hdrShnum = 0
		zero.Size = uint64(shnum)
	}
	hdrShstrndx := uint16(img.Shstrndx)
	if img.Shstrndx >= uint32(elf.SHN_LORESERVE) {
		if zero == nil {
			return layoutErrorf("section name table index %d needs extended numbering but there is no section table", img.Shstrndx)
		}
		hdrShstrndx = uint16(elf.SHN_XINDEX)
		zero.Link = img.Shstrndx
	}

	ident := img.raw[:elf.EI_NIDENT]
	ident[elf.EI_CLASS] = byte(img.Class)
	ident[elf.EI_DATA] = byte(img.Data)
	ident[elf.EI_OSABI] = byte(img.OSABI)
	ident[elf.EI_ABIVERSION] = img.ABIVersion

	w := img.codec.cursor(img.raw[elf.EI_NIDENT:img.codec.ehdrSize()])
	w.put16(uint16(img.Type))
	w.put16(uint16(img.Machine))
	w.put32(uint32(img.Version))
	w.putWord(img.Entry)
	w.putWord(img.Phoff)
	w.putWord(img.Shoff)
	w.put32(img.Flags)
	w.put16(img.Ehsize)
	w.put16(img.Phentsize)
	w.put16(hdrPhnum)
	w.put16(img.Shentsize)
	w.put16(hdrShnum)
	w.put16(hdrShstrndx)

	if phnum > 0 {
		table, err := img.span(img.Phoff, uint64(phnum)*uint64(img.Phentsize))
		if err != nil {
			return formatErrorf("program header table (%d entries at 0x%x) outside file", phnum, img.Phoff)
		}
		for i, p := range img.Progs {
			off := i * int(img.Phentsize)
			img.codec.encodeProg(table[off:off+int(img.Phentsize)], p)
		}
	}
	if shnum > 0 {
		table, err := img.span(img.Shoff, uint64(shnum)*uint64(img.Shentsize))
		if err != nil {
			return formatErrorf("section header table (%d entries at 0x%x) outside file", shnum, img.Shoff)
		}
		for i, s := range img.Sections {
			if i == 0 {
				s = zero
			}
			off := i * int(img.Shentsize)
			img.codec.encodeSection(table[off:off+int(img.Shentsize)], s)
		}
	}
	return nil
}

// Size is the current length of the file.
func (img *Image) Size() uint64 {
	return uint64(len(img.raw))
}

// Section returns the first section called name, or nil.
func (img *Image) Section(name string) *Section {
	if i := img.SectionIndex(name); i >= 0 {
		return img.Sections[i]
	}
	return nil
}

// SectionIndex returns the index of the first section called name, or -1.
// The null section never matches.
func (img *Image) SectionIndex(name string) int {
	if name == "" {
		return -1
	}
	for i, s := range img.Sections {
		if i > 0 && s.Name == name {
			return i
		}
	}
	return -1
}

// SectionData returns the file bytes of s. The slice aliases the image;
// callers must not retain it across edits.
func (img *Image) SectionData(s *Section) ([]byte, error) {
	if !s.hasFileData() {
		return nil, nil
	}
	b, err := img.span(s.Offset, s.Size)
	if err != nil {
		return nil, formatErrorf("section %q content outside file", s.Name)
	}
	return b, nil
}

// SegmentData returns the file bytes of p.
func (img *Image) SegmentData(p *Prog) ([]byte, error) {
	b, err := img.span(p.Off, p.Filesz)
	if err != nil {
		return nil, formatErrorf("%v segment content outside file", p.Type)
	}
	return b, nil
}

// sectionNames returns the section-name string table, or nil when there is
// none.
func (img *Image) sectionNames() StringTable {
	s := img.shstrtab()
	if s == nil {
		return nil
	}
	b, err := img.SectionData(s)
	if err != nil {
		return nil
	}
	return StringTable(b)
}

func (img *Image) shstrtab() *Section {
	if img.Shstrndx == 0 || int(img.Shstrndx) >= len(img.Sections) {
		return nil
	}
	return img.Sections[img.Shstrndx]
}

// span returns raw[off:off+size] after checking it lies inside the buffer.
func (img *Image) span(off, size uint64) ([]byte, error) {
	if !inBounds(off, size, uint64(len(img.raw))) {
		return nil, formatErrorf("range [0x%x, +0x%x) outside file of %d bytes", off, size, len(img.raw))
	}
	return img.raw[off : off+size], nil
}

// inBounds reports whether [off, off+size) fits in limit without overflow.
func inBounds(off, size, limit uint64) bool {
	return off <= limit && size <= limit-off
}
