package elfspirit

import (
	"debug/elf"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// InjectRequest describes one shared-object injection.
type InjectRequest struct {
	// SectionName names the section that receives the donor's bytes.
	SectionName string
	// SOName is the donor's path; its base name is the default DT_NEEDED.
	SOName string
	// Config supplies platform layout facts. Nil uses the defaults.
	Config *InjectConfig
	// LibcVersion selects a configuration variant. Empty selects none.
	LibcVersion string
}

// InjectResult reports what the injection added to the target.
type InjectResult struct {
	Segment      *Prog
	Section      *Section
	Needed       string
	Settings     InjectSettings
	StringsMoved bool
	DynamicMoved bool
}

// segmentPlan is where each piece lands inside the new segment, relative to
// its start.
type segmentPlan struct {
	phdrs   uint64
	strs    uint64
	dyn     uint64
	payload uint64
	size    uint64
}

// InjectSharedObject embeds the loadable bytes of donor in a new PT_LOAD
// segment of img and records the donor as a DT_NEEDED dependency, so the
// ordinary dynamic loader maps it at process start. The entry point and all
// existing segments keep their values; the program header table, the dynamic
// string table and the dynamic array are copied into the new segment when
// they cannot grow in place.
func (img *Image) InjectSharedObject(donor *Image, req InjectRequest) (*InjectResult, error) {
	if donor.Class != img.Class || donor.Machine != img.Machine {
		return nil, errors.Wrapf(ErrIncompatibleArch, "donor is %v/%v, target is %v/%v",
			donor.Class, donor.Machine, img.Class, img.Machine)
	}
	if req.SectionName == "" {
		return nil, errors.Wrap(ErrConfig, "section name is empty")
	}
	if len(img.Sections) == 0 || img.shstrtab() == nil {
		return nil, layoutErrorf("target has no section header table")
	}

	settings, err := req.Config.Resolve(req.LibcVersion)
	if err != nil {
		return nil, err
	}
	needed := settings.Needed
	if needed == "" {
		needed = filepath.Base(req.SOName)
	}
	if needed == "" || needed == "." || needed == string(filepath.Separator) {
		return nil, errors.Wrap(ErrConfig, "no DT_NEEDED name: set needed or pass a donor path")
	}
	pageSize := settings.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize(img.Machine)
	}

	dyn, err := img.dynamicTable()
	if err != nil {
		return nil, err
	}
	strs, _, err := img.dynamicStrings(dyn)
	if err != nil {
		return nil, err
	}
	oldStrtab, _ := dyn.value(elf.DT_STRTAB)
	payload, err := donor.loadableBytes()
	if err != nil {
		return nil, errors.WithMessage(err, "donor")
	}

	res := &InjectResult{Needed: needed, Settings: settings}
	nameOff := strs.Find(needed)
	newStrs := strs
	if nameOff < 0 {
		var off uint32
		newStrs, off = strs.Append(needed)
		nameOff = int(off)
		res.StringsMoved = true
	}
	entries := insertNeeded(dyn.entries(), Dyn{Tag: elf.DT_NEEDED, Val: uint64(nameOff)}, settings.NeededPosition)
	if res.StringsMoved {
		entries = setDyn(entries, elf.DT_STRSZ, uint64(len(newStrs)))
	}
	// The array stays put only when the grown entries plus a terminator fit
	// in the slots it already has.
	res.DynamicMoved = settings.DynamicPlacement == PlacementRelocate || len(entries)+1 > len(dyn.slots)

	plan := img.planSegment(len(newStrs), len(entries), len(payload), res)
	off, vaddr, err := img.placeSegment(plan.size, pageSize, settings.MaxPadding)
	if err != nil {
		return nil, err
	}
	flags, _ := parseProgFlags(settings.SegmentFlags)
	if flags == 0 {
		flags = elf.PF_R
		if res.DynamicMoved {
			flags |= elf.PF_W
		}
	}

	// Validation is done; the image is modified from here on.
	img.reserve(off, plan.size)
	seg := &Prog{
		Type:   elf.PT_LOAD,
		Flags:  flags,
		Off:    off,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: plan.size,
		Memsz:  plan.size,
		Align:  pageSize,
	}
	img.insertLoad(seg)
	img.movePhdrs(off+plan.phdrs, vaddr+plan.phdrs)

	if res.StringsMoved {
		img.writeAt(off+plan.strs, newStrs)
		entries = setDyn(entries, elf.DT_STRTAB, vaddr+plan.strs)
		if s := img.findAllocSection(settings.DynstrSection, oldStrtab); s != nil {
			s.Offset, s.Addr, s.Size = off+plan.strs, vaddr+plan.strs, uint64(len(newStrs))
		}
	}

	if res.DynamicMoved {
		slots := append(entries, Dyn{Tag: elf.DT_NULL}, Dyn{Tag: elf.DT_NULL})
		img.encodeDynamic(off+plan.dyn, slots)
		size := uint64(len(slots)) * uint64(img.codec.dynSize())
		if dyn.prog != nil {
			dyn.prog.Off, dyn.prog.Vaddr, dyn.prog.Paddr = off+plan.dyn, vaddr+plan.dyn, vaddr+plan.dyn
			dyn.prog.Filesz, dyn.prog.Memsz = size, size
		}
		if s := img.dynamicSection(settings.DynamicSection, dyn); s != nil {
			s.Offset, s.Addr, s.Size = off+plan.dyn, vaddr+plan.dyn, size
		}
	} else {
		slots := make([]Dyn, len(dyn.slots))
		copy(slots, entries)
		img.encodeDynamic(dyn.off, slots)
	}

	img.writeAt(off+plan.payload, payload)
	sect := &Section{
		Name:      req.SectionName,
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC,
		Addr:      vaddr + plan.payload,
		Offset:    off + plan.payload,
		Size:      uint64(len(payload)),
		Addralign: 16,
	}
	if flags&elf.PF_W != 0 {
		sect.Flags |= elf.SHF_WRITE
	}
	if flags&elf.PF_X != 0 {
		sect.Flags |= elf.SHF_EXECINSTR
	}
	img.addSectionHeader(sect)

	res.Segment = seg
	res.Section = sect
	return res, nil
}

// planSegment lays out the new segment: program headers first, then the
// moved string table and dynamic array, then the payload.
func (img *Image) planSegment(strsLen, liveDyn, payloadLen int, res *InjectResult) segmentPlan {
	var p segmentPlan
	cur := uint64(len(img.Progs)+1) * uint64(img.Phentsize)
	if res.StringsMoved {
		p.strs = cur
		cur += uint64(strsLen)
	}
	if res.DynamicMoved {
		cur = alignUp(cur, img.codec.wordSize())
		p.dyn = cur
		cur += uint64(liveDyn+2) * uint64(img.codec.dynSize())
	}
	cur = alignUp(cur, 16)
	p.payload = cur
	p.size = cur + uint64(payloadLen)
	return p
}

// placeSegment picks a page-aligned file offset and virtual address for a
// new segment of size bytes. The address lies above everything in use. When
// possible the offset keeps the same vaddr-offset bias as the first PT_LOAD,
// so kernels that derive AT_PHDR from e_phoff still find the program headers.
func (img *Image) placeSegment(size, pageSize, maxPadding uint64) (off, vaddr uint64, err error) {
	loads := img.loads()
	if len(loads) == 0 {
		return 0, 0, layoutErrorf("target has no PT_LOAD segment")
	}
	top := alignUp(img.highestAddr(), pageSize)
	if top < img.highestAddr() {
		return 0, 0, layoutErrorf("address space exhausted")
	}
	off = alignUp(img.Size(), pageSize)
	vaddr = top

	first := loads[0]
	if first.Vaddr >= first.Off && (first.Vaddr-first.Off)%pageSize == 0 {
		bias := first.Vaddr - first.Off
		if off+bias >= top {
			vaddr = off + bias
		} else {
			off = top - bias
		}
	}

	if off-img.Size() > maxPadding {
		return 0, 0, layoutErrorf("segment at 0x%x needs 0x%x bytes of padding, limit 0x%x", off, off-img.Size(), maxPadding)
	}
	limit := img.codec.maxAddr()
	if vaddr > limit || size > limit-vaddr {
		return 0, 0, layoutErrorf("segment of 0x%x bytes at 0x%x exceeds the %v address space", size, vaddr, img.Class)
	}
	if off+size < off {
		return 0, 0, layoutErrorf("segment offset overflows")
	}
	return off, vaddr, nil
}

// insertLoad puts p right after the last PT_LOAD, keeping loadable segments
// sorted by address.
func (img *Image) insertLoad(p *Prog) {
	_, last, _ := lo.FindLastIndexOf(img.Progs, func(q *Prog) bool { return q.Type == elf.PT_LOAD })
	at := last + 1
	img.Progs = append(img.Progs[:at], append([]*Prog{p}, img.Progs[at:]...)...)
}

// movePhdrs points e_phoff and PT_PHDR at a new program header table.
func (img *Image) movePhdrs(off, vaddr uint64) {
	img.Phoff = off
	size := uint64(len(img.Progs)) * uint64(img.Phentsize)
	for _, p := range img.Progs {
		if p.Type == elf.PT_PHDR {
			p.Off, p.Vaddr, p.Paddr = off, vaddr, vaddr
			p.Filesz, p.Memsz = size, size
		}
	}
}

// addSectionHeader appends s, adding its name to the section name table.
func (img *Image) addSectionHeader(s *Section) {
	names := img.shstrtab()
	tbl := img.sectionNames()
	if off := tbl.Find(s.Name); off >= 0 {
		s.NameOff = uint32(off)
	} else {
		grown, off := tbl.Append(s.Name)
		img.growSection(names, grown, region{})
		s.NameOff = off
	}
	img.Sections = append(img.Sections, s)
	img.placeSectionTable()
}

// findAllocSection finds the allocated section called name, or failing that
// the one mapped at addr.
func (img *Image) findAllocSection(name string, addr uint64) *Section {
	if s := img.Section(name); s != nil && s.Flags&elf.SHF_ALLOC != 0 {
		return s
	}
	s, _ := lo.Find(img.Sections, func(s *Section) bool {
		return s.Flags&elf.SHF_ALLOC != 0 && s.Addr == addr && s.Type != elf.SHT_NULL
	})
	return s
}

func (img *Image) dynamicSection(name string, dyn *dynamicTable) *Section {
	if dyn.sect != nil {
		return dyn.sect
	}
	return img.Section(name)
}

// loadableBytes is the file span covered by the PT_LOAD segments.
func (img *Image) loadableBytes() ([]byte, error) {
	loads := img.loads()
	if len(loads) == 0 {
		return nil, formatErrorf("no PT_LOAD segments")
	}
	start := lo.Min(lo.Map(loads, func(p *Prog, _ int) uint64 { return p.Off }))
	end := lo.Max(lo.Map(loads, func(p *Prog, _ int) uint64 { return p.Off + p.Filesz }))
	b, err := img.span(start, end-start)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// insertNeeded returns entries with d added after the last DT_NEEDED, or
// before the first one when position is NeededFirst.
func insertNeeded(entries []Dyn, d Dyn, position string) []Dyn {
	at := 0
	if position == NeededFirst {
		if _, i, ok := lo.FindIndexOf(entries, isNeeded); ok {
			at = i
		}
	} else if _, i, ok := lo.FindLastIndexOf(entries, isNeeded); ok {
		at = i + 1
	}
	out := make([]Dyn, 0, len(entries)+1)
	out = append(out, entries[:at]...)
	out = append(out, d)
	return append(out, entries[at:]...)
}

func isNeeded(d Dyn) bool { return d.Tag == elf.DT_NEEDED }

// setDyn overwrites the value of tag, adding the entry when it is missing.
func setDyn(entries []Dyn, tag elf.DynTag, val uint64) []Dyn {
	for i := range entries {
		if entries[i].Tag == tag {
			entries[i].Val = val
			return entries
		}
	}
	return append(entries, Dyn{Tag: tag, Val: val})
}
