package elfspirit

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Engine runs one edit against an ELF file: load, mutate, save. Output
// replaces the target unless a request names another path.
type Engine struct {
	Fs     afero.Fs
	Logger log.Logger
}

// NewEngine returns an Engine on fs. A nil logger discards log output.
func NewEngine(fs afero.Fs, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{Fs: fs, Logger: logger}
}

// AddSectionRequest adds an empty section to Path.
type AddSectionRequest struct {
	Path   string
	Output string
	Name   string
	Size   uint64
	// Offset places the content; 0 appends it at the end of the file.
	Offset uint64
}

// DeleteSectionRequest removes the header of section Name from Path.
type DeleteSectionRequest struct {
	Path   string
	Output string
	Name   string
}

// DeleteSectionHeaderTableRequest strips the section header table of Path.
type DeleteSectionHeaderTableRequest struct {
	Path   string
	Output string
}

// InjectSORequest embeds the shared object SOPath into Path.
type InjectSORequest struct {
	Path        string
	Output      string
	SectionName string
	SOPath      string
	// ConfigPath names a YAML or JSON injection descriptor. Empty uses the
	// defaults.
	ConfigPath  string
	LibcVersion string
}

// ParseRequest prints the structure of Path.
type ParseRequest struct {
	Path     string
	Demangle bool
	NoColor  bool
}

// AddSection adds a zero-filled section to req.Path and saves the result.
func (e *Engine) AddSection(ctx context.Context, req AddSectionRequest) (*Section, error) {
	var sect *Section
	err := e.edit(ctx, req.Path, req.Output, "addsec", func(img *Image, logger log.Logger) error {
		var err error
		sect, err = img.AddSection(req.Name, req.Size, req.Offset)
		if err != nil {
			return err
		}
		level.Info(logger).Log("msg", "section added", "name", sect.Name, "offset", hex(sect.Offset), "size", humanize.IBytes(sect.Size))
		return nil
	})
	return sect, err
}

// DeleteSection removes the header of section req.Name and saves the result.
func (e *Engine) DeleteSection(ctx context.Context, req DeleteSectionRequest) error {
	return e.edit(ctx, req.Path, req.Output, "delsec", func(img *Image, logger log.Logger) error {
		if err := img.DeleteSection(req.Name); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "section deleted", "name", req.Name, "remaining", len(img.Sections))
		return nil
	})
}

// DeleteSectionHeaderTable strips the section header table from req.Path.
func (e *Engine) DeleteSectionHeaderTable(ctx context.Context, req DeleteSectionHeaderTableRequest) error {
	return e.edit(ctx, req.Path, req.Output, "delshtab", func(img *Image, logger log.Logger) error {
		n := len(img.Sections)
		if err := img.DeleteSectionHeaderTable(); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "section header table deleted", "sections", n)
		return nil
	})
}

// InjectSO makes req.Path load the shared object at req.SOPath.
func (e *Engine) InjectSO(ctx context.Context, req InjectSORequest) (*InjectResult, error) {
	var cfg *InjectConfig
	if req.ConfigPath != "" {
		var err error
		if cfg, err = LoadInjectConfig(e.Fs, req.ConfigPath); err != nil {
			return nil, err
		}
		level.Debug(e.Logger).Log("msg", "loaded injection config", "path", req.ConfigPath, "variants", len(cfg.Variants))
	}
	donor, err := Load(e.Fs, req.SOPath)
	if err != nil {
		return nil, errors.WithMessage(err, "donor")
	}

	var res *InjectResult
	err = e.edit(ctx, req.Path, req.Output, "injectso", func(img *Image, logger log.Logger) error {
		var err error
		res, err = img.InjectSharedObject(donor, InjectRequest{
			SectionName: req.SectionName,
			SOName:      req.SOPath,
			Config:      cfg,
			LibcVersion: req.LibcVersion,
		})
		if err != nil {
			return err
		}
		level.Info(logger).Log(
			"msg", "shared object injected",
			"needed", res.Needed,
			"segment_offset", hex(res.Segment.Off),
			"segment_vaddr", hex(res.Segment.Vaddr),
			"segment_size", humanize.IBytes(res.Segment.Filesz),
			"dynstr_moved", res.StringsMoved,
			"dynamic_moved", res.DynamicMoved,
		)
		return nil
	})
	return res, err
}

// Parse prints the structure of the file to w. The file is not written.
func (e *Engine) Parse(ctx context.Context, w io.Writer, req ParseRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := Load(e.Fs, req.Path)
	if err != nil {
		return err
	}
	level.Debug(e.Logger).Log("msg", "parsed", "path", req.Path, "class", img.Class, "machine", img.Machine, "size", humanize.IBytes(img.Size()))
	return Print(w, img, PrintOptions{Demangle: req.Demangle, NoColor: req.NoColor})
}

// edit loads path, applies fn and saves the result to output (path when
// empty). Nothing is written when fn fails.
func (e *Engine) edit(ctx context.Context, path, output, op string, fn func(*Image, log.Logger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := log.With(e.Logger, "op", op, "path", path)
	img, err := Load(e.Fs, path)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "loaded", "class", img.Class, "machine", img.Machine, "size", humanize.IBytes(img.Size()),
		"progs", len(img.Progs), "sections", len(img.Sections))

	if err := fn(img, logger); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if output == "" {
		output = path
	}
	if err := Save(e.Fs, output, img); err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "written", "output", output, "size", humanize.IBytes(img.Size()))
	return nil
}

// ParseUint parses a decimal or 0x-prefixed hexadecimal number.
func ParseUint(s string) (uint64, error) {
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	v, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return 0, errors.Errorf("invalid number %q", s)
	}
	return v, nil
}
