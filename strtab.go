package elfspirit

import (
	"bytes"
)

// StringTable is the content of a SHT_STRTAB section: NUL-terminated names
// addressed by byte offset.
type StringTable []byte

// At returns the string starting at off. A missing terminator ends the string
// at the end of the table.
func (t StringTable) At(off uint32) (string, bool) {
	if uint64(off) >= uint64(len(t)) {
		return "", off == 0 && len(t) == 0
	}
	b := t[off:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), true
}

// Find returns the offset of str as a whole NUL-terminated entry, or -1.
func (t StringTable) Find(str string) int {
	for i := 0; i < len(t); {
		j := i
		for j < len(t) && t[j] != 0 {
			j++
		}
		if j < len(t) && string(t[i:j]) == str {
			return i
		}
		i = j + 1
	}
	return -1
}

// Append returns the table with str added and the offset of str.
func (t StringTable) Append(str string) (StringTable, uint32) {
	off := uint32(len(t))
	out := make(StringTable, 0, len(t)+len(str)+1)
	out = append(out, t...)
	out = append(out, str...)
	out = append(out, 0)
	return out, off
}

// isLast reports whether the entry at off is the final string in the table.
func (t StringTable) isLast(off uint32) bool {
	if uint64(off) >= uint64(len(t)) {
		return false
	}
	i := bytes.IndexByte(t[off:], 0)
	return i >= 0 && int(off)+i+1 == len(t)
}
