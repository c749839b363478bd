package elfspirit

import (
	"debug/elf"

	"github.com/pkg/errors"
)

// Symbol is one entry of a symbol table.
type Symbol struct {
	Name    string
	NameOff uint32
	Info    uint8
	Other   uint8
	Shndx   elf.SectionIndex
	Value   uint64
	Size    uint64
}

// Bind returns the symbol binding from Info.
func (s Symbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }

// Type returns the symbol type from Info.
func (s Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

// Visibility returns the symbol visibility from Other.
func (s Symbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.Other) }

// Symbols decodes the symbol table section sect (SHT_SYMTAB or SHT_DYNSYM),
// resolving names through its linked string table.
func (img *Image) Symbols(sect *Section) ([]Symbol, error) {
	if sect.Type != elf.SHT_SYMTAB && sect.Type != elf.SHT_DYNSYM {
		return nil, errors.Errorf("section %q is %v, not a symbol table", sect.Name, sect.Type)
	}
	data, err := img.SectionData(sect)
	if err != nil {
		return nil, err
	}
	var names StringTable
	if int(sect.Link) < len(img.Sections) && sect.Link != 0 {
		names, err = img.SectionData(img.Sections[sect.Link])
		if err != nil {
			return nil, err
		}
	}

	entsize := img.codec.symSize()
	syms := make([]Symbol, 0, len(data)/entsize)
	for i := 0; i+entsize <= len(data); i += entsize {
		sym := img.codec.decodeSymbol(data[i : i+entsize])
		sym.Name, _ = names.At(sym.NameOff)
		syms = append(syms, sym)
	}
	return syms, nil
}
