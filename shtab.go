package elfspirit

// DeleteSectionHeaderTable strips all section metadata from the image. The
// header fields locating the table are zeroed and the table bytes are
// truncated when they end the file, zeroed otherwise. Program headers and
// segment content are untouched, so the runtime loader still maps the file.
//
// This is destructive and cannot be undone: nothing, including Parse, can
// rebuild section headers afterwards. Images without a table are left as is.
func (img *Image) DeleteSectionHeaderTable() error {
	if len(img.Sections) > 0 {
		size := uint64(len(img.Sections)) * uint64(img.Shentsize)
		table, err := img.span(img.Shoff, size)
		if err != nil {
			return formatErrorf("section header table (%d entries at 0x%x) outside file", len(img.Sections), img.Shoff)
		}
		if img.Shoff+size == img.Size() {
			img.truncate(img.Shoff)
		} else {
			clear(table)
		}
	}
	img.Sections = nil
	img.Shoff = 0
	img.Shentsize = 0
	img.Shstrndx = 0
	return nil
}
