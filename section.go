package elfspirit

import (
	"debug/elf"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// AddSection adds a zero-filled, non-allocated SHT_PROGBITS section of size
// bytes. With offset 0 the content is appended at the end of the file;
// otherwise offset must be word aligned for the class and must not overlap
// anything already in the file. Existing content is never moved: the name
// table and the section header table grow in place when the bytes after them
// are free and are copied to the end of the file otherwise. A requested range
// is reserved first, so copied tables always land past it.
func (img *Image) AddSection(name string, size, offset uint64) (*Section, error) {
	if name == "" {
		return nil, errors.Wrap(ErrConfig, "section name is empty")
	}
	if len(img.Sections) == 0 {
		return nil, layoutErrorf("image has no section header table")
	}
	names := img.shstrtab()
	if names == nil {
		return nil, layoutErrorf("image has no section name table")
	}
	word := img.codec.wordSize()
	var requested region
	if offset != 0 {
		if offset%word != 0 {
			return nil, errors.Wrapf(ErrAlignment, "offset 0x%x is not %d-byte aligned", offset, word)
		}
		if offset+size < offset || offset+size > img.codec.maxAddr() {
			return nil, layoutErrorf("section [0x%x, +0x%x) overflows the %v address space", offset, size, img.Class)
		}
		if !img.regionFree(offset, size) {
			return nil, layoutErrorf("section [0x%x, +0x%x) overlaps existing content", offset, size)
		}
		requested = region{offset, size}
		img.reserve(offset, size)
	}

	nameOff := img.sectionNames().Find(name)
	if nameOff < 0 {
		grown, off := img.sectionNames().Append(name)
		img.growSection(names, grown, requested)
		nameOff = int(off)
	}

	if offset == 0 {
		offset = alignUp(img.Size(), word)
		img.reserve(offset, size)
	}

	sect := &Section{
		Name:      name,
		NameOff:   uint32(nameOff),
		Type:      elf.SHT_PROGBITS,
		Offset:    offset,
		Size:      size,
		Addralign: 1,
	}
	img.Sections = append(img.Sections, sect)
	img.placeSectionTable()
	return sect, nil
}

// growSection replaces the content of s with data, which must start with the
// old content. The section keeps its offset when the bytes it grows into are
// unused (the section header table counts as unused because callers relocate
// it afterwards) and do not touch avoid; otherwise it moves to the end of the
// file.
func (img *Image) growSection(s *Section, data []byte, avoid region) {
	extra := uint64(len(data)) - s.Size
	tail := s.Offset + s.Size
	if img.regionFree(tail, extra, s, sectionHeaderTable) && !avoid.overlaps(tail, extra) {
		img.writeAt(s.Offset, data)
	} else {
		s.Offset = img.appendAligned(data, max(s.Addralign, 1))
	}
	s.Size = uint64(len(data))
}

// placeSectionTable keeps the section header table where it is when the
// current entry count still fits, and moves it to the end of the file
// otherwise.
func (img *Image) placeSectionTable() {
	size := uint64(len(img.Sections)) * uint64(img.Shentsize)
	if img.Shoff != 0 && img.regionFree(img.Shoff, size, sectionHeaderTable) {
		img.reserve(img.Shoff, size)
		return
	}
	img.Shoff = alignUp(img.Size(), img.codec.wordSize())
	img.reserve(img.Shoff, size)
}

// DeleteSection removes the header of the section called name. Its content
// stays in the file. Link and info fields that hold a section index above the
// removed one are shifted down; references to the removed section itself are
// left dangling.
func (img *Image) DeleteSection(name string) error {
	idx := img.SectionIndex(name)
	if idx < 0 {
		return errors.Wrapf(ErrNotFound, "section %q", name)
	}
	removed := img.Sections[idx]
	staleSlot := img.Shoff + uint64(len(img.Sections)-1)*uint64(img.Shentsize)

	img.Sections = append(img.Sections[:idx:idx], img.Sections[idx+1:]...)
	for _, s := range img.Sections {
		if s.Link > uint32(idx) {
			s.Link--
		}
		if infoIsSectionIndex(s) && s.Info > uint32(idx) {
			s.Info--
		}
	}
	switch {
	case img.Shstrndx == uint32(idx):
		img.Shstrndx = uint32(elf.SHN_UNDEF)
	case img.Shstrndx > uint32(idx):
		img.Shstrndx--
	}

	img.reclaimName(removed)
	if b, err := img.span(staleSlot, uint64(img.Shentsize)); err == nil {
		clear(b)
	}
	return nil
}

// infoIsSectionIndex reports whether sh_info of s names a section rather than
// a symbol or a count.
func infoIsSectionIndex(s *Section) bool {
	return s.Type == elf.SHT_REL || s.Type == elf.SHT_RELA || s.Flags&elf.SHF_INFO_LINK != 0
}

// reclaimName shrinks the section name table when the removed section owned
// its last string, so adding and then deleting a section leaves every other
// header unchanged.
func (img *Image) reclaimName(removed *Section) {
	names := img.shstrtab()
	if names == nil || removed.NameOff == 0 {
		return
	}
	tbl := img.sectionNames()
	if !tbl.isLast(removed.NameOff) {
		return
	}
	shared := lo.ContainsBy(img.Sections, func(s *Section) bool {
		return s.NameOff >= removed.NameOff
	})
	if shared {
		return
	}
	clear(tbl[removed.NameOff:])
	names.Size = uint64(removed.NameOff)
}
