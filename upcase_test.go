package ntfs

import (
	"encoding/binary"
	"testing"
)

func TestLoadUpCaseAndUpper(t *testing.T) {
	n := int('c') + 1
	data := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[2*i:2*i+2], uint16(i)) // identity elsewhere
	}
	binary.LittleEndian.PutUint16(data[2*'a':2*'a'+2], 'A')
	binary.LittleEndian.PutUint16(data[2*'b':2*'b'+2], 'B')
	binary.LittleEndian.PutUint16(data[2*'c':2*'c'+2], 'C')

	table := LoadUpCase(data)
	if got := table.Upper("abc"); got != "ABC" {
		t.Errorf("Upper(abc) = %q, want %q", got, "ABC")
	}
}

func TestUpCaseTableNilFallsBackToStrings(t *testing.T) {
	var table *UpCaseTable
	if got, want := table.Upper("abc"), "ABC"; got != want {
		t.Errorf("(*UpCaseTable)(nil).Upper(abc) = %q, want %q", got, want)
	}
}

func TestLoadUpCaseShortInputIsIdentityBeyondData(t *testing.T) {
	table := LoadUpCase(nil)
	if got, want := table.Upper("xyz"), "xyz"; got != want {
		t.Errorf("Upper(xyz) with empty table = %q, want identity %q", got, want)
	}
}
