package ntfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// namedResidentAttr builds a resident attribute record carrying a name (e.g.
// "$I30"), unlike residentAttr's unnamed form.
func namedResidentAttr(typeCode uint32, name string, value []byte) []byte {
	nameBytes := utf16le(name)
	const headerLen = 24
	nameOffset := headerLen
	valueOffset := nameOffset + len(nameBytes)
	total := valueOffset + len(value)
	aligned := (total + 7) &^ 7
	buf := make([]byte, aligned)
	binary.LittleEndian.PutUint32(buf[0:4], typeCode)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(aligned))
	buf[8] = 0 // resident
	buf[9] = byte(len(name))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(nameOffset))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(value)))
	binary.LittleEndian.PutUint16(buf[20:22], uint16(valueOffset))
	copy(buf[nameOffset:], nameBytes)
	copy(buf[valueOffset:], value)
	return buf
}

// buildIndexEntry encodes one FILE_NAME-keyed $INDEX_ROOT entry.
func buildIndexEntry(ref SegmentReference, key []byte, end bool) []byte {
	length := 16 + len(key)
	b := make([]byte, length)
	binary.LittleEndian.PutUint64(b[0:8], ref.encode())
	binary.LittleEndian.PutUint16(b[8:10], uint16(length))
	binary.LittleEndian.PutUint16(b[10:12], uint16(len(key)))
	var flags uint16
	if end {
		flags |= 0x02
	}
	binary.LittleEndian.PutUint16(b[12:14], flags)
	copy(b[16:], key)
	return b
}

// buildIndexRootValue assembles an $INDEX_ROOT body: the fixed 16-byte
// INDEX_ROOT header, the 16-byte INDEX_HEADER, and the entries (terminated
// by an END entry), matching what index.go's newIndex/parseIndexHeader
// expect.
func buildIndexRootValue(collation uint32, entries [][]byte) []byte {
	var body bytes.Buffer
	headerAndEntries := make([]byte, 16)
	binary.LittleEndian.PutUint32(headerAndEntries[0:4], 16) // firstEntryOffset
	for _, e := range entries {
		headerAndEntries = append(headerAndEntries, e...)
	}
	totalEntrySize := uint32(len(headerAndEntries))
	binary.LittleEndian.PutUint32(headerAndEntries[4:8], totalEntrySize)
	binary.LittleEndian.PutUint32(headerAndEntries[8:12], totalEntrySize)

	fixedHeader := make([]byte, 16)
	binary.LittleEndian.PutUint32(fixedHeader[0:4], AttrTypeFileName)
	binary.LittleEndian.PutUint32(fixedHeader[4:8], collation)
	binary.LittleEndian.PutUint32(fixedHeader[8:12], 4096)

	body.Write(fixedHeader)
	body.Write(headerAndEntries)
	return body.Bytes()
}

// buildDirectoryRecord assembles a FILE record with a resident $INDEX_ROOT
// "$I30" attribute only (no $INDEX_ALLOCATION), enough to exercise
// Index.Entries and Index.Search without needing non-resident streams.
func buildDirectoryRecord(t *testing.T, indexRootValue []byte) []byte {
	t.Helper()
	const recordSize = 1024
	raw := make([]byte, recordSize)

	copy(raw[0:4], "FILE")
	binary.LittleEndian.PutUint16(raw[4:6], 42)
	binary.LittleEndian.PutUint16(raw[6:8], 3)
	binary.LittleEndian.PutUint16(raw[16:18], 1)
	binary.LittleEndian.PutUint16(raw[18:20], 1)
	binary.LittleEndian.PutUint16(raw[22:24], RecordFlagInUse|RecordFlagDirectory)

	var body bytes.Buffer
	body.Write(namedResidentAttr(AttrTypeIndexRoot, "$I30", indexRootValue))
	body.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	const firstAttrOffset = 48
	binary.LittleEndian.PutUint16(raw[20:22], firstAttrOffset)
	copy(raw[firstAttrOffset:], body.Bytes())
	bytesInUse := firstAttrOffset + body.Len()
	binary.LittleEndian.PutUint32(raw[24:28], uint32(bytesInUse))
	binary.LittleEndian.PutUint32(raw[28:32], uint32(recordSize))
	if bytesInUse >= 510 {
		t.Fatalf("test record body (%d bytes) overruns sector 0's protected tail", bytesInUse)
	}

	sample := [2]byte{0xAB, 0xCD}
	raw[42], raw[43] = sample[0], sample[1]
	raw[510], raw[511] = sample[0], sample[1]
	raw[1022], raw[1023] = sample[0], sample[1]
	return raw
}

func TestIndexEntriesAndSearch(t *testing.T) {
	parent := SegmentReference{Segment: 5, Sequence: 1}
	aliceRef := SegmentReference{Segment: 100, Sequence: 1}
	bobRef := SegmentReference{Segment: 101, Sequence: 1}

	entries := [][]byte{
		buildIndexEntry(aliceRef, buildFileNameBody(parent, "alice.txt", NameTypeWin32), false),
		buildIndexEntry(bobRef, buildFileNameBody(parent, "bob.txt", NameTypeWin32), false),
		buildIndexEntry(SegmentReference{}, nil, true),
	}
	rootValue := buildIndexRootValue(CollationFilename, entries)
	raw := buildDirectoryRecord(t, rootValue)

	rec, err := DecodeRecord(6, raw, defaultGeometry(), nil)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if !rec.IsDir() {
		t.Fatal("IsDir() = false, want true")
	}

	idx, err := rec.Index("$I30")
	if err != nil {
		t.Fatalf("Index: %v", err)
	}

	all, err := idx.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Entries() returned %d entries, want 2", len(all))
	}
	if all[0].FileReference != aliceRef || all[1].FileReference != bobRef {
		t.Errorf("Entries() = %+v, want alice then bob in on-disk order", all)
	}

	got, err := idx.Search([]byte("bob.txt"), true, nil)
	if err != nil {
		t.Fatalf("Search(bob.txt): %v", err)
	}
	if got.FileReference != bobRef {
		t.Errorf("Search(bob.txt).FileReference = %v, want %v", got.FileReference, bobRef)
	}

	if _, err := idx.Search([]byte("carol.txt"), true, nil); err == nil {
		t.Fatal("expected ErrNotFound searching for an absent exact key")
	}
}

func TestIndexSearchCaseInsensitiveCollation(t *testing.T) {
	parent := SegmentReference{Segment: 5, Sequence: 1}
	ref := SegmentReference{Segment: 100, Sequence: 1}
	entries := [][]byte{
		buildIndexEntry(ref, buildFileNameBody(parent, "README.txt", NameTypeWin32), false),
		buildIndexEntry(SegmentReference{}, nil, true),
	}
	raw := buildDirectoryRecord(t, buildIndexRootValue(CollationFilename, entries))
	rec, err := DecodeRecord(6, raw, defaultGeometry(), nil)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	idx, err := rec.Index("$I30")
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	got, err := idx.Search([]byte("readme.txt"), true, nil)
	if err != nil {
		t.Fatalf("Search(readme.txt): %v", err)
	}
	if got.FileReference != ref {
		t.Errorf("Search(readme.txt).FileReference = %v, want %v", got.FileReference, ref)
	}
}

func TestIndexUnknownCollationFails(t *testing.T) {
	entries := [][]byte{buildIndexEntry(SegmentReference{}, nil, true)}
	raw := buildDirectoryRecord(t, buildIndexRootValue(CollationSID, entries))
	rec, err := DecodeRecord(6, raw, defaultGeometry(), nil)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	idx, err := rec.Index("$I30")
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if _, err := idx.Search([]byte("x"), false, nil); err == nil {
		t.Fatal("expected ErrNoCollation for an unhandled collation rule")
	}
}
