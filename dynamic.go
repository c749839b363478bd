package elfspirit

import (
	"debug/elf"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Dyn is one entry of the dynamic array.
type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

// dynamicTable is the dynamic array as laid out in the file, including the
// DT_NULL terminator and any spare DT_NULL slots behind it.
type dynamicTable struct {
	prog  *Prog
	sect  *Section
	off   uint64
	slots []Dyn
	live  int
}

func (t *dynamicTable) entries() []Dyn {
	return t.slots[:t.live]
}

func (t *dynamicTable) value(tag elf.DynTag) (uint64, bool) {
	d, ok := lo.Find(t.entries(), func(d Dyn) bool { return d.Tag == tag })
	return d.Val, ok
}

// dynamicTable locates the dynamic array through PT_DYNAMIC, falling back to
// the SHT_DYNAMIC section when no program header describes it.
func (img *Image) dynamicTable() (*dynamicTable, error) {
	t := &dynamicTable{}
	var size uint64
	if p, ok := lo.Find(img.Progs, func(p *Prog) bool { return p.Type == elf.PT_DYNAMIC }); ok {
		t.prog, t.off, size = p, p.Off, p.Filesz
	}
	if s, ok := lo.Find(img.Sections, func(s *Section) bool { return s.Type == elf.SHT_DYNAMIC }); ok {
		t.sect = s
		if t.prog == nil {
			t.off, size = s.Offset, s.Size
		}
	}
	if t.prog == nil && t.sect == nil {
		return nil, errors.Wrap(ErrNotFound, "dynamic section")
	}

	b, err := img.span(t.off, size)
	if err != nil {
		return nil, formatErrorf("dynamic array [0x%x, +0x%x) outside file", t.off, size)
	}
	entsize := img.codec.dynSize()
	for i := 0; i+entsize <= len(b); i += entsize {
		t.slots = append(t.slots, img.codec.decodeDyn(b[i:i+entsize]))
	}
	t.live = len(t.slots)
	for i, d := range t.slots {
		if d.Tag == elf.DT_NULL {
			t.live = i
			break
		}
	}
	if t.live == len(t.slots) {
		return nil, formatErrorf("dynamic array at 0x%x has no DT_NULL terminator", t.off)
	}
	return t, nil
}

// Dynamic returns the dynamic entries in file order, without the terminator.
// It fails with ErrNotFound for statically linked images.
func (img *Image) Dynamic() ([]Dyn, error) {
	t, err := img.dynamicTable()
	if err != nil {
		return nil, err
	}
	return append([]Dyn(nil), t.entries()...), nil
}

// dynamicStrings returns the string table DT_STRTAB points at, along with
// its file offset.
func (img *Image) dynamicStrings(t *dynamicTable) (StringTable, uint64, error) {
	addr, ok := t.value(elf.DT_STRTAB)
	if !ok {
		return nil, 0, errors.Wrap(ErrNotFound, "DT_STRTAB")
	}
	size, _ := t.value(elf.DT_STRSZ)
	off, ok := img.VaddrToOffset(addr)
	if !ok {
		s, found := lo.Find(img.Sections, func(s *Section) bool {
			return s.Type == elf.SHT_STRTAB && s.Addr == addr && s.Flags&elf.SHF_ALLOC != 0
		})
		if !found {
			return nil, 0, formatErrorf("DT_STRTAB 0x%x is not mapped by any segment", addr)
		}
		off = s.Offset
		if size == 0 {
			size = s.Size
		}
	}
	b, err := img.span(off, size)
	if err != nil {
		return nil, 0, formatErrorf("dynamic string table [0x%x, +0x%x) outside file", off, size)
	}
	return StringTable(b), off, nil
}

// Needed returns the DT_NEEDED library names in load order.
func (img *Image) Needed() ([]string, error) {
	t, err := img.dynamicTable()
	if err != nil {
		return nil, err
	}
	strs, _, err := img.dynamicStrings(t)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range t.entries() {
		if d.Tag != elf.DT_NEEDED {
			continue
		}
		name, ok := strs.At(uint32(d.Val))
		if !ok {
			return nil, formatErrorf("DT_NEEDED offset %d outside dynamic string table", d.Val)
		}
		names = append(names, name)
	}
	return names, nil
}

// encodeDynamic writes slots at off.
func (img *Image) encodeDynamic(off uint64, slots []Dyn) {
	entsize := img.codec.dynSize()
	buf := make([]byte, len(slots)*entsize)
	for i, d := range slots {
		img.codec.encodeDyn(buf[i*entsize:(i+1)*entsize], d)
	}
	img.writeAt(off, buf)
}
