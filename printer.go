package elfspirit

import (
	"debug/elf"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/ianlancetaylor/demangle"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// PrintOptions controls Print.
type PrintOptions struct {
	// Demangle renders C++ and Rust symbol names in source form.
	Demangle bool
	// NoColor disables colored headings even on a terminal.
	NoColor bool
}

// Print writes a readelf style dump of img to w: the file header, the
// program and section header tables, the dynamic array and every symbol
// table. It never modifies img.
func Print(w io.Writer, img *Image, opts PrintOptions) error {
	p := &printer{w: w, opts: opts, heading: color.New(color.FgCyan, color.Bold)}
	if opts.NoColor {
		p.heading.DisableColor()
	}
	p.fileHeader(img)
	p.progs(img)
	p.sections(img)
	if err := p.dynamic(img); err != nil {
		return err
	}
	return p.symbols(img)
}

type printer struct {
	w       io.Writer
	opts    PrintOptions
	heading *color.Color
}

func (p *printer) title(format string, args ...interface{}) {
	fmt.Fprintln(p.w)
	p.heading.Fprintf(p.w, format, args...)
	fmt.Fprintln(p.w)
}

func (p *printer) table(header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(p.w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func (p *printer) fileHeader(img *Image) {
	p.title("ELF Header")
	t := p.table([]string{"Field", "Value"})
	t.AppendBulk([][]string{
		{"Class", img.Class.String()},
		{"Data", img.Data.String()},
		{"OS/ABI", img.OSABI.String()},
		{"ABI Version", strconv.Itoa(int(img.ABIVersion))},
		{"Type", img.Type.String()},
		{"Machine", img.Machine.String()},
		{"Version", img.Version.String()},
		{"Entry", hex(img.Entry)},
		{"Flags", fmt.Sprintf("0x%x", img.Flags)},
		{"Program headers", fmt.Sprintf("%d at %s (%d bytes each)", len(img.Progs), hex(img.Phoff), img.Phentsize)},
		{"Section headers", fmt.Sprintf("%d at %s (%d bytes each)", len(img.Sections), hex(img.Shoff), img.Shentsize)},
		{"Section names", strconv.Itoa(int(img.Shstrndx))},
		{"File size", fmt.Sprintf("%s (%d bytes)", humanize.IBytes(img.Size()), img.Size())},
	})
	if tail := img.Size() - min(img.end(), img.Size()); tail > 0 {
		t.Append([]string{"Unreferenced tail", fmt.Sprintf("%d bytes", tail)})
	}
	t.Render()
}

func (p *printer) progs(img *Image) {
	p.title("Program Headers (%d)", len(img.Progs))
	if len(img.Progs) == 0 {
		fmt.Fprintln(p.w, "There are no program headers in this file.")
		return
	}
	t := p.table([]string{"Idx", "Type", "Flags", "Offset", "VirtAddr", "PhysAddr", "FileSiz", "MemSiz", "Align"})
	for i, prog := range img.Progs {
		t.Append([]string{
			strconv.Itoa(i),
			strings.TrimPrefix(prog.Type.String(), "PT_"),
			progFlagString(prog.Flags),
			hex(prog.Off),
			hex(prog.Vaddr),
			hex(prog.Paddr),
			hex(prog.Filesz),
			hex(prog.Memsz),
			hex(prog.Align),
		})
	}
	t.Render()
}

func (p *printer) sections(img *Image) {
	p.title("Section Headers (%d)", len(img.Sections))
	if len(img.Sections) == 0 {
		fmt.Fprintln(p.w, "There are no sections in this file.")
		return
	}
	t := p.table([]string{"Idx", "Name", "Type", "Flags", "Addr", "Offset", "Size", "Link", "Info", "Align"})
	for i, s := range img.Sections {
		t.Append([]string{
			strconv.Itoa(i),
			s.Name,
			strings.TrimPrefix(s.Type.String(), "SHT_"),
			sectionFlagString(s.Flags),
			hex(s.Addr),
			hex(s.Offset),
			hex(s.Size),
			strconv.FormatUint(uint64(s.Link), 10),
			strconv.FormatUint(uint64(s.Info), 10),
			strconv.FormatUint(s.Addralign, 10),
		})
	}
	t.Render()
}

func (p *printer) dynamic(img *Image) error {
	dyn, err := img.dynamicTable()
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	strs, _, err := img.dynamicStrings(dyn)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	p.title("Dynamic Section at %s (%d entries)", hex(dyn.off), len(dyn.entries()))
	t := p.table([]string{"Tag", "Value"})
	for _, d := range dyn.entries() {
		val := hex(d.Val)
		switch d.Tag {
		case elf.DT_NEEDED, elf.DT_SONAME, elf.DT_RPATH, elf.DT_RUNPATH:
			if name, ok := strs.At(uint32(d.Val)); ok {
				val = "[" + name + "]"
			}
		}
		t.Append([]string{strings.TrimPrefix(d.Tag.String(), "DT_"), val})
	}
	t.Render()
	return nil
}

func (p *printer) symbols(img *Image) error {
	for _, s := range img.Sections {
		if s.Type != elf.SHT_SYMTAB && s.Type != elf.SHT_DYNSYM {
			continue
		}
		syms, err := img.Symbols(s)
		if err != nil {
			return err
		}
		p.title("Symbol table '%s' (%d entries)", s.Name, len(syms))
		t := p.table([]string{"Num", "Value", "Size", "Type", "Bind", "Vis", "Ndx", "Name"})
		for i, sym := range syms {
			name := sym.Name
			if p.opts.Demangle {
				name = demangle.Filter(name)
			}
			t.Append([]string{
				strconv.Itoa(i),
				hex(sym.Value),
				strconv.FormatUint(sym.Size, 10),
				strings.TrimPrefix(sym.Type().String(), "STT_"),
				strings.TrimPrefix(sym.Bind().String(), "STB_"),
				strings.TrimPrefix(sym.Visibility().String(), "STV_"),
				symbolIndexString(sym.Shndx),
				name,
			})
		}
		t.Render()
	}
	return nil
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

func progFlagString(f elf.ProgFlag) string {
	b := []byte("   ")
	if f&elf.PF_R != 0 {
		b[0] = 'R'
	}
	if f&elf.PF_W != 0 {
		b[1] = 'W'
	}
	if f&elf.PF_X != 0 {
		b[2] = 'E'
	}
	return string(b)
}

func sectionFlagString(f elf.SectionFlag) string {
	var b strings.Builder
	for _, flag := range []struct {
		bit elf.SectionFlag
		c   byte
	}{
		{elf.SHF_WRITE, 'W'},
		{elf.SHF_ALLOC, 'A'},
		{elf.SHF_EXECINSTR, 'X'},
		{elf.SHF_MERGE, 'M'},
		{elf.SHF_STRINGS, 'S'},
		{elf.SHF_INFO_LINK, 'I'},
		{elf.SHF_LINK_ORDER, 'L'},
		{elf.SHF_GROUP, 'G'},
		{elf.SHF_TLS, 'T'},
		{elf.SHF_COMPRESSED, 'C'},
	} {
		if f&flag.bit != 0 {
			b.WriteByte(flag.c)
		}
	}
	return b.String()
}

func symbolIndexString(i elf.SectionIndex) string {
	switch i {
	case elf.SHN_UNDEF:
		return "UND"
	case elf.SHN_ABS:
		return "ABS"
	case elf.SHN_COMMON:
		return "COM"
	}
	return strconv.Itoa(int(i))
}
