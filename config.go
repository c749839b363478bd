package elfspirit

import (
	"debug/elf"
	"io"
	"strings"

	version "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Dynamic array placement policies.
const (
	PlacementAuto     = "auto"
	PlacementRelocate = "relocate"
)

// DT_NEEDED insertion points.
const (
	NeededLast  = "last"
	NeededFirst = "first"
)

// InjectSettings are the layout facts the injector needs for one platform.
// Zero values mean "use the default".
type InjectSettings struct {
	// Needed is the DT_NEEDED name recorded in the target. Defaults to the
	// base name of the donor file.
	Needed string `yaml:"needed"`
	// PageSize aligns the new segment. Defaults per machine.
	PageSize uint64 `yaml:"page_size"`
	// DynamicPlacement is "auto" (reuse a spare DT_NULL slot when there is
	// one) or "relocate" (always copy the dynamic array into the new segment).
	DynamicPlacement string `yaml:"dynamic_placement"`
	// NeededPosition is "last" (after the existing DT_NEEDED entries) or
	// "first".
	NeededPosition string `yaml:"needed_position"`
	// SegmentFlags is a combination of r, w and x.
	SegmentFlags string `yaml:"segment_flags"`
	// DynamicSection and DynstrSection name the section headers that follow
	// the dynamic array and its string table when those move.
	DynamicSection string `yaml:"dynamic_section"`
	DynstrSection  string `yaml:"dynstr_section"`
	// MaxPadding bounds the zero fill inserted to reach the new segment.
	MaxPadding uint64 `yaml:"max_padding"`
}

// Variant overrides settings for the libc versions matching Libc, a
// go-version constraint such as ">= 2.34".
type Variant struct {
	Libc           string `yaml:"libc"`
	InjectSettings `yaml:",inline"`
}

// InjectConfig is the injection descriptor read from a YAML or JSON file.
type InjectConfig struct {
	InjectSettings `yaml:",inline"`
	Variants       []Variant `yaml:"variants"`
}

var defaultSettings = InjectSettings{
	DynamicPlacement: PlacementAuto,
	NeededPosition:   NeededLast,
	DynamicSection:   ".dynamic",
	DynstrSection:    ".dynstr",
	MaxPadding:       1 << 30,
}

// ParseInjectConfig decodes a descriptor. Unknown keys are rejected.
func ParseInjectConfig(r io.Reader) (*InjectConfig, error) {
	var cfg InjectConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(ErrConfig, "decode: %v", err)
	}
	return &cfg, nil
}

// LoadInjectConfig reads a descriptor from path.
func LoadInjectConfig(fs afero.Fs, path string) (*InjectConfig, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()
	cfg, err := ParseInjectConfig(f)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return cfg, nil
}

// Resolve merges the defaults, the top-level settings and the first variant
// whose constraint accepts libc. An empty libc applies no variant.
func (c *InjectConfig) Resolve(libc string) (InjectSettings, error) {
	s := defaultSettings
	if c != nil {
		s.merge(c.InjectSettings)
	}
	if c != nil && libc != "" {
		v, err := version.NewVersion(libc)
		if err != nil {
			return s, errors.Wrapf(ErrConfig, "libc version %q: %v", libc, err)
		}
		for i, variant := range c.Variants {
			constraint, err := version.NewConstraint(variant.Libc)
			if err != nil {
				return s, errors.Wrapf(ErrConfig, "variant %d libc constraint %q: %v", i, variant.Libc, err)
			}
			if constraint.Check(v) {
				s.merge(variant.InjectSettings)
				break
			}
		}
	}
	return s, s.validate()
}

func (s *InjectSettings) merge(o InjectSettings) {
	if o.Needed != "" {
		s.Needed = o.Needed
	}
	if o.PageSize != 0 {
		s.PageSize = o.PageSize
	}
	if o.DynamicPlacement != "" {
		s.DynamicPlacement = o.DynamicPlacement
	}
	if o.NeededPosition != "" {
		s.NeededPosition = o.NeededPosition
	}
	if o.SegmentFlags != "" {
		s.SegmentFlags = o.SegmentFlags
	}
	if o.DynamicSection != "" {
		s.DynamicSection = o.DynamicSection
	}
	if o.DynstrSection != "" {
		s.DynstrSection = o.DynstrSection
	}
	if o.MaxPadding != 0 {
		s.MaxPadding = o.MaxPadding
	}
}

func (s InjectSettings) validate() error {
	if s.PageSize != 0 && s.PageSize&(s.PageSize-1) != 0 {
		return errors.Wrapf(ErrConfig, "page_size 0x%x is not a power of two", s.PageSize)
	}
	switch s.DynamicPlacement {
	case PlacementAuto, PlacementRelocate:
	default:
		return errors.Wrapf(ErrConfig, "dynamic_placement %q", s.DynamicPlacement)
	}
	switch s.NeededPosition {
	case NeededLast, NeededFirst:
	default:
		return errors.Wrapf(ErrConfig, "needed_position %q", s.NeededPosition)
	}
	if _, err := parseProgFlags(s.SegmentFlags); err != nil {
		return err
	}
	return nil
}

// parseProgFlags turns "rw" style strings into segment flags. Empty means 0.
func parseProgFlags(str string) (elf.ProgFlag, error) {
	var f elf.ProgFlag
	for _, r := range strings.ToLower(str) {
		switch r {
		case 'r':
			f |= elf.PF_R
		case 'w':
			f |= elf.PF_W
		case 'x':
			f |= elf.PF_X
		default:
			return 0, errors.Wrapf(ErrConfig, "segment_flags %q: unknown flag %q", str, r)
		}
	}
	return f, nil
}

// defaultPageSize is the largest page size the machine's loaders accept.
func defaultPageSize(m elf.Machine) uint64 {
	switch m {
	case elf.EM_AARCH64, elf.EM_PPC64:
		return 0x10000
	default:
		return 0x1000
	}
}
