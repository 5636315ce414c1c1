package ntfs

import "testing"

func TestSegmentReferenceEncodeDecode(t *testing.T) {
	cases := []SegmentReference{
		{Segment: 0, Sequence: 0},
		{Segment: 5, Sequence: 1},
		{Segment: 0x0000FFFFFFFFFFFF, Sequence: 0xFFFF},
		{Segment: 0x123456789ABC, Sequence: 0x42},
	}
	for _, want := range cases {
		raw := want.encode()
		got := decodeSegmentReference(raw)
		if got != want {
			t.Errorf("decodeSegmentReference(encode(%v)) = %v, want %v", want, got, want)
		}
	}
}

func TestSegmentReferenceEncodeDropsHighSegmentBits(t *testing.T) {
	// Segment is only 48 bits on disk; encode must not let stray high bits
	// of a (hypothetically malformed) Segment leak into the sequence field.
	ref := SegmentReference{Segment: 0xFFFF000000000005, Sequence: 7}
	raw := ref.encode()
	got := decodeSegmentReference(raw)
	if got.Segment != 5 || got.Sequence != 7 {
		t.Errorf("decodeSegmentReference(encode(%v)) = %v, want {5 7}", ref, got)
	}
}

func TestSegmentReferenceString(t *testing.T) {
	ref := SegmentReference{Segment: 5, Sequence: 2}
	if got, want := ref.String(), "0x5#2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestFiletimeToUnixNano(t *testing.T) {
	cases := []struct {
		ft   uint64
		want int64
	}{
		// 1970-01-01 00:00:00 UTC: the Windows/Unix epoch difference itself.
		{116444736000000000, 0},
		// One second before the Unix epoch: a negative result.
		{116444736000000000 - 10000000, -1000000000},
		// One second after the Unix epoch.
		{116444736000000000 + 10000000, 1000000000},
	}
	for _, c := range cases {
		if got := FiletimeToUnixNano(c.ft); got != c.want {
			t.Errorf("FiletimeToUnixNano(%d) = %d, want %d", c.ft, got, c.want)
		}
	}
}

func TestDefaultGeometry(t *testing.T) {
	g := defaultGeometry()
	if g.SectorSize != DefaultSectorSize || g.ClusterSize != DefaultClusterSize ||
		g.FileRecordSize != DefaultFileRecordSize || g.IndexBufferSize != DefaultIndexBufferSize {
		t.Errorf("defaultGeometry() = %+v, want defaults", g)
	}
}
