// Package elfspirit edits the structure of ELF files: it adds and removes
// sections, strips the section header table and embeds shared objects as new
// loadable segments. Supports 32-bit and 64-bit files of either byte order.
package elfspirit

import (
	"github.com/pkg/errors"
)

// ListSections returns a slice of section names present in the provided ELF data.
// The null section at index 0 is included as an empty name.
//
// Parameters:
//   - elfData: A byte slice containing the raw ELF file data.
//
// Returns:
//   - A slice of strings containing the names of all sections.
//   - An error if the ELF data is invalid or cannot be parsed.
func ListSections(elfData []byte) ([]string, error) {
	img, err := Parse(elfData)
	if err != nil {
		return nil, err
	}
	sections := make([]string, 0, len(img.Sections))
	for _, sec := range img.Sections {
		sections = append(sections, sec.Name)
	}
	return sections, nil
}

// ReadSection retrieves the content of the specified section from the ELF data.
// The section is identified by its name, and the function returns a copy of its raw bytes.
//
// Parameters:
//   - elfData: A byte slice containing the raw ELF file data.
//   - name: The name of the section to read (e.g., ".text", ".data").
//
// Returns:
//   - A byte slice containing the section's data (empty for SHT_NOBITS).
//   - An error if the ELF data is invalid or the section is not found.
func ReadSection(elfData []byte, name string) ([]byte, error) {
	img, err := Parse(elfData)
	if err != nil {
		return nil, err
	}
	sec := img.Section(name)
	if sec == nil {
		return nil, errors.Wrapf(ErrNotFound, "section %q", name)
	}
	data, err := img.SectionData(sec)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// AddSection adds a zero-filled section to the ELF data.
//
// Parameters:
//   - elfData: A byte slice containing the raw ELF file data.
//   - name: The name of the new section.
//   - size: The size of the section content in bytes.
//   - offset: The file offset of the content, word aligned; 0 appends it.
//
// Returns:
//   - A byte slice containing the modified ELF file data.
//   - An error if the ELF data is invalid or the section cannot be placed.
func AddSection(elfData []byte, name string, size, offset uint64) ([]byte, error) {
	return edit(elfData, func(img *Image) error {
		_, err := img.AddSection(name, size, offset)
		return err
	})
}

// AddSectionData adds a section holding sectionData, appended at the end of
// the ELF data.
//
// Parameters:
//   - elfData: A byte slice containing the raw ELF file data.
//   - name: The name of the new section.
//   - sectionData: The raw bytes to write as the section's content.
//
// Returns:
//   - A byte slice containing the modified ELF file data.
//   - An error if the ELF data is invalid or the operation fails.
func AddSectionData(elfData []byte, name string, sectionData []byte) ([]byte, error) {
	return edit(elfData, func(img *Image) error {
		sec, err := img.AddSection(name, uint64(len(sectionData)), 0)
		if err != nil {
			return err
		}
		img.writeAt(sec.Offset, sectionData)
		return nil
	})
}

// RemoveSection removes the header of the specified section from the ELF data.
// The section's content stays in the file.
//
// Parameters:
//   - elfData: A byte slice containing the raw ELF file data.
//   - name: The name of the section to remove.
//
// Returns:
//   - A byte slice containing the modified ELF file data.
//   - An error if the ELF data is invalid or the section is not found.
func RemoveSection(elfData []byte, name string) ([]byte, error) {
	return edit(elfData, func(img *Image) error {
		return img.DeleteSection(name)
	})
}

// RemoveSectionHeaderTable strips the section header table from the ELF data.
// The result still loads and runs, but its section metadata is gone for good.
//
// Parameters:
//   - elfData: A byte slice containing the raw ELF file data.
//
// Returns:
//   - A byte slice containing the modified ELF file data.
//   - An error if the ELF data is invalid.
func RemoveSectionHeaderTable(elfData []byte) ([]byte, error) {
	return edit(elfData, func(img *Image) error {
		return img.DeleteSectionHeaderTable()
	})
}

// InjectSO embeds a shared object into the ELF data and records it as a
// DT_NEEDED dependency.
//
// Parameters:
//   - elfData: A byte slice containing the raw target ELF file data.
//   - soData: A byte slice containing the raw shared object data.
//   - req: The section name, donor name and injection configuration.
//
// Returns:
//   - A byte slice containing the modified ELF file data.
//   - An error if either file is invalid, the architectures differ, or the
//     target has no room for a new segment.
func InjectSO(elfData, soData []byte, req InjectRequest) ([]byte, error) {
	donor, err := Parse(soData)
	if err != nil {
		return nil, errors.WithMessage(err, "donor")
	}
	return edit(elfData, func(img *Image) error {
		_, err := img.InjectSharedObject(donor, req)
		return err
	})
}

func edit(elfData []byte, fn func(*Image) error) ([]byte, error) {
	img, err := Parse(elfData)
	if err != nil {
		return nil, err
	}
	if err := fn(img); err != nil {
		return nil, err
	}
	return img.Bytes()
}
