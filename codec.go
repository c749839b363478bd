package elfspirit

import (
	"debug/elf"
	"encoding/binary"
)

// Encoded sizes of the ELF records, per class.
const (
	ehdrSize32 = 52
	ehdrSize64 = 64
	phdrSize32 = 32
	phdrSize64 = 56
	shdrSize32 = 40
	shdrSize64 = 64
	dynSize32  = 8
	dynSize64  = 16
	symSize32  = 16
	symSize64  = 24
)

// codec knows the width and byte order of every field for one class/encoding
// pair. Records are always decoded and encoded field by field.
type codec struct {
	class elf.Class
	order binary.ByteOrder
}

func newCodec(class elf.Class, data elf.Data) (codec, error) {
	c := codec{class: class}
	switch class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	default:
		return c, formatErrorf("unsupported ELF class %v", class)
	}
	switch data {
	case elf.ELFDATA2LSB:
		c.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		c.order = binary.BigEndian
	default:
		return c, formatErrorf("unknown data encoding %v", data)
	}
	return c, nil
}

func (c codec) is64() bool { return c.class == elf.ELFCLASS64 }

// wordSize is the natural alignment of the class.
func (c codec) wordSize() uint64 {
	if c.is64() {
		return 8
	}
	return 4
}

func (c codec) ehdrSize() int {
	if c.is64() {
		return ehdrSize64
	}
	return ehdrSize32
}

func (c codec) phdrSize() int {
	if c.is64() {
		return phdrSize64
	}
	return phdrSize32
}

func (c codec) shdrSize() int {
	if c.is64() {
		return shdrSize64
	}
	return shdrSize32
}

func (c codec) dynSize() int {
	if c.is64() {
		return dynSize64
	}
	return dynSize32
}

func (c codec) symSize() int {
	if c.is64() {
		return symSize64
	}
	return symSize32
}

// maxAddr is the highest address representable by the class.
func (c codec) maxAddr() uint64 {
	if c.is64() {
		return ^uint64(0)
	}
	return 0xffffffff
}

// cursor walks a bounds-checked record. The caller hands it a slice that is
// exactly one record long.
type cursor struct {
	c   codec
	b   []byte
	pos int
}

func (c codec) cursor(b []byte) *cursor {
	return &cursor{c: c, b: b}
}

func (r *cursor) u8() uint8 {
	v := r.b[r.pos]
	r.pos++
	return v
}

func (r *cursor) u16() uint16 {
	v := r.c.order.Uint16(r.b[r.pos:])
	r.pos += 2
	return v
}

func (r *cursor) u32() uint32 {
	v := r.c.order.Uint32(r.b[r.pos:])
	r.pos += 4
	return v
}

func (r *cursor) u64() uint64 {
	v := r.c.order.Uint64(r.b[r.pos:])
	r.pos += 8
	return v
}

// word reads an address, offset or xword: 4 bytes in ELF32, 8 in ELF64.
func (r *cursor) word() uint64 {
	if r.c.is64() {
		return r.u64()
	}
	return uint64(r.u32())
}

func (r *cursor) put8(v uint8) {
	r.b[r.pos] = v
	r.pos++
}

func (r *cursor) put16(v uint16) {
	r.c.order.PutUint16(r.b[r.pos:], v)
	r.pos += 2
}

func (r *cursor) put32(v uint32) {
	r.c.order.PutUint32(r.b[r.pos:], v)
	r.pos += 4
}

func (r *cursor) put64(v uint64) {
	r.c.order.PutUint64(r.b[r.pos:], v)
	r.pos += 8
}

func (r *cursor) putWord(v uint64) {
	if r.c.is64() {
		r.put64(v)
		return
	}
	r.put32(uint32(v))
}

// decodeProg reads one program header. Field order differs between classes:
// ELF64 moves p_flags next to p_type.
func (c codec) decodeProg(b []byte) *Prog {
	r := c.cursor(b)
	p := &Prog{Type: elf.ProgType(r.u32())}
	if c.is64() {
		p.Flags = elf.ProgFlag(r.u32())
	}
	p.Off = r.word()
	p.Vaddr = r.word()
	p.Paddr = r.word()
	p.Filesz = r.word()
	p.Memsz = r.word()
	if !c.is64() {
		p.Flags = elf.ProgFlag(r.u32())
	}
	p.Align = r.word()
	return p
}

func (c codec) encodeProg(b []byte, p *Prog) {
	w := c.cursor(b)
	w.put32(uint32(p.Type))
	if c.is64() {
		w.put32(uint32(p.Flags))
	}
	w.putWord(p.Off)
	w.putWord(p.Vaddr)
	w.putWord(p.Paddr)
	w.putWord(p.Filesz)
	w.putWord(p.Memsz)
	if !c.is64() {
		w.put32(uint32(p.Flags))
	}
	w.putWord(p.Align)
}

func (c codec) decodeSection(b []byte) *Section {
	r := c.cursor(b)
	return &Section{
		NameOff:   r.u32(),
		Type:      elf.SectionType(r.u32()),
		Flags:     elf.SectionFlag(r.word()),
		Addr:      r.word(),
		Offset:    r.word(),
		Size:      r.word(),
		Link:      r.u32(),
		Info:      r.u32(),
		Addralign: r.word(),
		Entsize:   r.word(),
	}
}

func (c codec) encodeSection(b []byte, s *Section) {
	w := c.cursor(b)
	w.put32(s.NameOff)
	w.put32(uint32(s.Type))
	w.putWord(uint64(s.Flags))
	w.putWord(s.Addr)
	w.putWord(s.Offset)
	w.putWord(s.Size)
	w.put32(s.Link)
	w.put32(s.Info)
	w.putWord(s.Addralign)
	w.putWord(s.Entsize)
}

func (c codec) decodeDyn(b []byte) Dyn {
	r := c.cursor(b)
	if c.is64() {
		return Dyn{Tag: elf.DynTag(int64(r.u64())), Val: r.u64()}
	}
	return Dyn{Tag: elf.DynTag(int32(r.u32())), Val: uint64(r.u32())}
}

func (c codec) encodeDyn(b []byte, d Dyn) {
	w := c.cursor(b)
	w.putWord(uint64(d.Tag))
	w.putWord(d.Val)
}

// decodeSymbol reads one symbol. ELF32 keeps st_value and st_size ahead of
// st_info; ELF64 puts them last.
func (c codec) decodeSymbol(b []byte) Symbol {
	r := c.cursor(b)
	var s Symbol
	s.NameOff = r.u32()
	if c.is64() {
		s.Info = r.u8()
		s.Other = r.u8()
		s.Shndx = elf.SectionIndex(r.u16())
		s.Value = r.u64()
		s.Size = r.u64()
		return s
	}
	s.Value = uint64(r.u32())
	s.Size = uint64(r.u32())
	s.Info = r.u8()
	s.Other = r.u8()
	s.Shndx = elf.SectionIndex(r.u16())
	return s
}
