package elfspirit

import (
	"debug/elf"

	"github.com/samber/lo"
)

// tableKey names a header table in occupancy queries.
type tableKey int

const sectionHeaderTable tableKey = 0

type region struct {
	off, size uint64
}

func (r region) overlaps(off, size uint64) bool {
	if r.size == 0 || size == 0 {
		return false
	}
	return off < r.off+r.size && r.off < off+size
}

// regions lists every file range currently in use: the file header, both
// header tables, section contents and segment file ranges. Anything listed in
// ignore (a *Section or a tableKey) is left out.
func (img *Image) regions(ignore ...interface{}) []region {
	out := []region{{0, uint64(img.codec.ehdrSize())}}
	if len(img.Progs) > 0 {
		out = append(out, region{img.Phoff, uint64(len(img.Progs)) * uint64(img.Phentsize)})
	}
	if len(img.Sections) > 0 && !lo.Contains(ignore, interface{}(sectionHeaderTable)) {
		out = append(out, region{img.Shoff, uint64(len(img.Sections)) * uint64(img.Shentsize)})
	}
	for _, s := range img.Sections {
		if s.hasFileData() && !lo.Contains(ignore, interface{}(s)) {
			out = append(out, region{s.Offset, s.Size})
		}
	}
	for _, p := range img.Progs {
		if p.Type != elf.PT_NULL && p.Type != elf.PT_PHDR {
			out = append(out, region{p.Off, p.Filesz})
		}
	}
	return out
}

// regionFree reports whether [off, off+size) overlaps nothing in use.
func (img *Image) regionFree(off, size uint64, ignore ...interface{}) bool {
	if off+size < off {
		return false
	}
	return !lo.ContainsBy(img.regions(ignore...), func(r region) bool {
		return r.overlaps(off, size)
	})
}

// end returns the offset just past the last byte any region uses, which can
// be smaller than the file when trailing bytes are unreferenced.
func (img *Image) end() uint64 {
	return lo.Reduce(img.regions(), func(agg uint64, r region, _ int) uint64 {
		return max(agg, r.off+r.size)
	}, 0)
}

// appendAligned pads the file to align and appends data, returning its offset.
func (img *Image) appendAligned(data []byte, align uint64) uint64 {
	off := alignUp(uint64(len(img.raw)), align)
	img.writeAt(off, data)
	return off
}

// reserve makes sure the file reaches off+size and zero-fills that range.
func (img *Image) reserve(off, size uint64) {
	if need := off + size; need > uint64(len(img.raw)) {
		img.raw = append(img.raw, make([]byte, need-uint64(len(img.raw)))...)
	}
	clear(img.raw[off : off+size])
}

// writeAt stores data at off, growing the file when needed.
func (img *Image) writeAt(off uint64, data []byte) {
	img.reserve(off, uint64(len(data)))
	copy(img.raw[off:], data)
}

// truncate drops everything from off to the end of the file.
func (img *Image) truncate(off uint64) {
	if off < uint64(len(img.raw)) {
		img.raw = img.raw[:off]
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// loads returns the PT_LOAD segments in table order.
func (img *Image) loads() []*Prog {
	return lo.Filter(img.Progs, func(p *Prog, _ int) bool {
		return p.Type == elf.PT_LOAD
	})
}

// VaddrToOffset maps a virtual address to the file offset that backs it.
func (img *Image) VaddrToOffset(addr uint64) (uint64, bool) {
	p, ok := lo.Find(img.loads(), func(p *Prog) bool {
		return addr >= p.Vaddr && addr-p.Vaddr < p.Filesz
	})
	if !ok {
		return 0, false
	}
	return addr - p.Vaddr + p.Off, true
}

// highestAddr is the first address past every segment and allocated section.
func (img *Image) highestAddr() uint64 {
	var top uint64
	for _, p := range img.Progs {
		if p.Memsz > 0 {
			top = max(top, p.Vaddr+p.Memsz)
		}
	}
	for _, s := range img.Sections {
		if s.Flags&elf.SHF_ALLOC != 0 {
			top = max(top, s.Addr+s.Size)
		}
	}
	return top
}
