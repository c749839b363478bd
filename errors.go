package elfspirit

import (
	"github.com/pkg/errors"
)

// Error kinds returned by the engine. Every error carries one of these as its
// cause, so callers can branch with errors.Is.
var (
	// ErrFormat reports a malformed or unrecognized ELF image, or a table,
	// segment or section that lies outside the file.
	ErrFormat = errors.New("malformed ELF")
	// ErrAlignment reports a requested offset or address that violates the
	// alignment the format requires.
	ErrAlignment = errors.New("misaligned offset")
	// ErrNotFound reports a section (or the dynamic section) that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIncompatibleArch reports a donor whose class or machine differs from
	// the target.
	ErrIncompatibleArch = errors.New("incompatible architecture")
	// ErrLayout reports that no safe file offset or virtual address region
	// could be found for new content.
	ErrLayout = errors.New("no room for new content")
	// ErrConfig reports an unusable injection configuration or request, such as
	// an empty section name.
	ErrConfig = errors.New("invalid configuration")
)

func formatErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrFormat, format, args...)
}

func layoutErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrLayout, format, args...)
}
