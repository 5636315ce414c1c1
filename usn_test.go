package ntfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildUsnV2Record encodes one USN v2 record: the 56-byte fixed header
// followed by a fileNameOffset=60 convention (4 bytes of
// length/offset fields, then the UTF-16LE name).
func buildUsnV2Record(fileRef, parentRef SegmentReference, usn int64, name string) []byte {
	nameBytes := utf16le(name)
	const fileNameOffset = 60
	recordLength := fileNameOffset + len(nameBytes)

	b := make([]byte, recordLength)
	binary.LittleEndian.PutUint32(b[0:4], uint32(recordLength))
	binary.LittleEndian.PutUint16(b[4:6], 2) // major version
	binary.LittleEndian.PutUint64(b[8:16], fileRef.encode())
	binary.LittleEndian.PutUint64(b[16:24], parentRef.encode())
	binary.LittleEndian.PutUint64(b[24:32], uint64(usn))
	binary.LittleEndian.PutUint64(b[32:40], 132000000000000000) // Timestamp
	binary.LittleEndian.PutUint32(b[40:44], 0x00000002)         // Reason: RENAME_NEW_NAME-ish bit
	binary.LittleEndian.PutUint32(b[44:48], 0)                  // SourceInfo
	binary.LittleEndian.PutUint32(b[48:52], 5)                  // SecurityID
	binary.LittleEndian.PutUint32(b[52:56], 0x20)               // FileAttributes
	binary.LittleEndian.PutUint16(b[56:58], uint16(len(nameBytes)))
	binary.LittleEndian.PutUint16(b[58:60], fileNameOffset)
	copy(b[fileNameOffset:], nameBytes)
	return b
}

func TestUsnJrnlRecordsDecodesV2(t *testing.T) {
	fileRef := SegmentReference{Segment: 100, Sequence: 1}
	parentRef := SegmentReference{Segment: 5, Sequence: 1}
	buf := buildUsnV2Record(fileRef, parentRef, 4096, "foo.txt")

	j := NewUsnJrnlFromReader(bytes.NewReader(buf), nil)
	records, err := j.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Records() returned %d records, want 1", len(records))
	}
	got := records[0]
	if got.FileReference != fileRef {
		t.Errorf("FileReference = %v, want %v", got.FileReference, fileRef)
	}
	if got.ParentFileReference != parentRef {
		t.Errorf("ParentFileReference = %v, want %v", got.ParentFileReference, parentRef)
	}
	if got.USN != 4096 {
		t.Errorf("USN = %d, want 4096", got.USN)
	}
	if got.FileName != "foo.txt" {
		t.Errorf("FileName = %q, want %q", got.FileName, "foo.txt")
	}
	if got.SecurityID != 5 {
		t.Errorf("SecurityID = %d, want 5", got.SecurityID)
	}
}

func TestUsnJrnlRecordsSkipsZeroPageToNextPage(t *testing.T) {
	fileRef := SegmentReference{Segment: 100, Sequence: 1}
	parentRef := SegmentReference{Segment: 5, Sequence: 1}
	rec := buildUsnV2Record(fileRef, parentRef, 1, "a.txt")

	// A run of zero bytes (e.g. a reused/cleared page) at the start, then a
	// genuine record starting exactly at the next usnPageSize boundary.
	buf := make([]byte, usnPageSize+len(rec))
	copy(buf[usnPageSize:], rec)

	j := NewUsnJrnlFromReader(bytes.NewReader(buf), nil)
	records, err := j.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 || records[0].FileName != "a.txt" {
		t.Fatalf("Records() = %+v, want one record named a.txt", records)
	}
}

func TestUsnRecordFullPathUnavailableWithoutMft(t *testing.T) {
	rec := UsnRecord{ParentFileReference: SegmentReference{Segment: 5, Sequence: 1}, FileName: "x.txt"}
	got := rec.FullPath(nil)
	want := "<unavailable_reference_0x5#1>"
	if got != want {
		t.Errorf("FullPath(nil) = %q, want %q", got, want)
	}
}
