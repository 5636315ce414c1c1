package ntfs

import (
	"encoding/binary"
	"strings"
)

// UpCaseTable is the on-disk $UpCase stream: a 65536-entry table mapping
// each UTF-16 code unit to its uppercase form, the table NTFS itself uses
// to collate FILE_NAME keys. Loading it gives exact collation instead of
// an ASCII/BMP Unicode-uppercasing approximation.
type UpCaseTable struct {
	table [65536]uint16
}

// LoadUpCase parses a $UpCase stream (raw bytes, 131072 bytes for the full
// table; shorter input leaves the remaining entries as their identity
// mapping).
func LoadUpCase(data []byte) *UpCaseTable {
	t := &UpCaseTable{}
	for i := range t.table {
		t.table[i] = uint16(i)
	}
	n := len(data) / 2
	if n > 65536 {
		n = 65536
	}
	for i := 0; i < n; i++ {
		t.table[i] = binary.LittleEndian.Uint16(data[2*i : 2*i+2])
	}
	return t
}

// Upper uppercases s by mapping each UTF-16 code unit through the table.
func (t *UpCaseTable) Upper(s string) string {
	if t == nil {
		return strings.ToUpper(s)
	}
	r := []rune(s)
	for i, c := range r {
		if c >= 0 && c < 0x10000 && t.table[c] != 0 {
			r[i] = rune(t.table[c])
		}
	}
	return string(r)
}
