package ntfs

import (
	"context"
	"testing"

	"github.com/distr1/ntfs/internal/runlist"
)

// buildBootstrapImage lays out a tiny "volume" exercising the fragmented
// $MFT bootstrap's chicken-and-egg resolve: record 0's own $DATA runlist
// only reaches cluster 0 (one cluster, four records' worth of virtual MFT
// offset); an $ATTRIBUTE_LIST entry on record 0 points at segment 1
// (itself inside cluster 0, so reachable immediately), whose own $DATA
// fragment covers cluster 5 — unreachable as MFT-stream content until
// BootstrapMft appends it to the provisional runlist. That appended run
// becomes virtual MFT offset [4096, 8192), i.e. segments 4-7; segment 4 is
// the proof the appended run took effect.
func buildBootstrapImage(t *testing.T) (memSource, Geometry) {
	t.Helper()
	g := defaultGeometry() // ClusterSize 4096, FileRecordSize 1024

	const targetSegment = 4 // first record of the appended run's coverage
	const childSegment = 1

	rec0DataRuns := runlist.RunList{{LCN: 0, Length: 1}}
	childDataRuns := runlist.RunList{{LCN: 5, Length: 1}}

	listBody := attributeListEntryBytes(AttrTypeData, SegmentReference{Segment: childSegment, Sequence: 1})

	rec0 := buildRecordWithAttrs(t, SegmentMFT,
		nonResidentAttr(AttrTypeData, rec0DataRuns, uint64(targetSegment+1)*uint64(g.FileRecordSize), uint64(targetSegment+1)*uint64(g.FileRecordSize)),
		residentAttr(AttrTypeAttributeList, listBody),
	)

	recChild := buildRecordWithAttrs(t, childSegment,
		nonResidentAttr(AttrTypeData, childDataRuns, uint64(g.ClusterSize), uint64(g.ClusterSize)),
	)

	recTarget := buildMinimalRecord(t, "target.txt", "payload")

	imageSize := int64(5+1) * g.ClusterSize // clusters 0..5 inclusive
	image := make([]byte, imageSize)
	copy(image[0:], rec0)
	copy(image[int64(childSegment)*g.FileRecordSize:], recChild)
	copy(image[5*g.ClusterSize:], recTarget) // physical LCN 5, reached via the appended run

	return memSource(image), g
}

func TestBootstrapMftFragmented(t *testing.T) {
	image, g := buildBootstrapImage(t)

	m, err := BootstrapMft(image, g, 0)
	if err != nil {
		t.Fatalf("BootstrapMft: %v", err)
	}

	// The provisional runlist (record 0's own $DATA) only covered cluster
	// 0; the attribute list's child $DATA fragment for cluster 5 must have
	// been appended.
	if len(m.rl) != 2 {
		t.Fatalf("after bootstrap, m.rl has %d runs, want 2 (own + appended child): %+v", len(m.rl), m.rl)
	}
	if m.rl[1].LCN != 5 {
		t.Errorf("appended run LCN = %d, want 5", m.rl[1].LCN)
	}

	rec, err := m.GetSegment(4)
	if err != nil {
		t.Fatalf("GetSegment(4) after bootstrap: %v", err)
	}
	names, err := rec.FileNames(true)
	if err != nil || len(names) == 0 {
		t.Fatalf("FileNames() on bootstrapped segment 4: %v / %+v", err, names)
	}
	if names[0].Name != "target.txt" {
		t.Errorf("segment 4 name = %q, want target.txt", names[0].Name)
	}
}

func TestMftGetSegmentCaches(t *testing.T) {
	rawA := buildMinimalRecord(t, "a.txt", "aaa")
	mft := newTestMft(map[uint64][]byte{100: rawA})

	r1, err := mft.GetSegment(100)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	r2, err := mft.GetSegment(100)
	if err != nil {
		t.Fatalf("GetSegment (cached): %v", err)
	}
	if r1 != r2 {
		t.Error("GetSegment did not return the cached *Record on second call")
	}
}

func TestMftGetAddressForms(t *testing.T) {
	rawA := buildMinimalRecord(t, "a.txt", "aaa")
	mft := newTestMft(map[uint64][]byte{100: rawA})

	if _, err := mft.Get(100); err != nil {
		t.Errorf("Get(int segment): %v", err)
	}
	if _, err := mft.Get(uint64(100)); err != nil {
		t.Errorf("Get(uint64 segment): %v", err)
	}

	rec, err := mft.GetSegment(100)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	ref := rec.Reference()
	if _, err := mft.Get(ref); err != nil {
		t.Errorf("Get(SegmentReference): %v", err)
	}

	stale := ref
	stale.Sequence++
	if _, err := mft.Get(stale); err == nil {
		t.Error("Get(stale SegmentReference) should fail, sequence number mismatch")
	}
}

func TestMftSegmentsSkipsUnparseable(t *testing.T) {
	rawA := buildMinimalRecord(t, "a.txt", "aaa")
	g := defaultGeometry()
	image := make([]byte, 3*g.FileRecordSize)
	copy(image[0:], rawA) // segment 0 valid
	// segment 1 left zeroed: no "FILE" signature, DecodeRecord will fail
	copy(image[2*g.FileRecordSize:], rawA) // segment 2 valid

	mft := &Mft{
		geometry: g,
		cache:    make(map[uint64]*Record),
		src:      memSource(image),
		rl:       runlist.RunList{{LCN: 0, Length: 1}},
		fileSize: 3 * g.FileRecordSize,
	}

	segs, err := mft.Segments(context.Background())
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("Segments() returned %d records, want 2 (invalid middle slot skipped)", len(segs))
	}
}

func TestMftSegmentsHonorsCanceledContext(t *testing.T) {
	rawA := buildMinimalRecord(t, "a.txt", "aaa")
	g := defaultGeometry()
	image := make([]byte, 3*g.FileRecordSize)
	copy(image[0:], rawA)
	copy(image[2*g.FileRecordSize:], rawA)

	mft := &Mft{
		geometry: g,
		cache:    make(map[uint64]*Record),
		src:      memSource(image),
		rl:       runlist.RunList{{LCN: 0, Length: 1}},
		fileSize: 3 * g.FileRecordSize,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	segs, err := mft.Segments(ctx)
	if err == nil {
		t.Fatal("Segments(canceled ctx) should return an error")
	}
	if len(segs) != 0 {
		t.Fatalf("Segments(canceled ctx) returned %d records, want 0 (canceled before first slot)", len(segs))
	}
}

func TestMftPrefetchPreservesOrder(t *testing.T) {
	rawA := buildMinimalRecord(t, "a.txt", "aaa")
	rawB := buildMinimalRecord(t, "b.txt", "bbb")
	mft := newTestMft(map[uint64][]byte{10: rawA, 20: rawB})

	got, err := mft.Prefetch(context.Background(), []uint64{20, 10, 999})
	if err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Prefetch returned %d results, want 3", len(got))
	}
	if got[0] == nil || got[1] == nil {
		t.Fatal("Prefetch: resolvable segments must not be nil")
	}
	names0, _ := got[0].FileNames(true)
	names1, _ := got[1].FileNames(true)
	if len(names0) == 0 || names0[0].Name != "b.txt" {
		t.Errorf("Prefetch result[0] = %+v, want b.txt (segment 20)", names0)
	}
	if len(names1) == 0 || names1[0].Name != "a.txt" {
		t.Errorf("Prefetch result[1] = %+v, want a.txt (segment 10)", names1)
	}
	if got[2] != nil {
		t.Error("Prefetch result for an unresolvable segment should be nil, not aborted")
	}
}

func TestMftPrefetchHonorsCanceledContext(t *testing.T) {
	rawA := buildMinimalRecord(t, "a.txt", "aaa")
	mft := newTestMft(map[uint64][]byte{10: rawA})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mft.Prefetch(ctx, []uint64{10})
	if err == nil {
		t.Fatal("Prefetch(canceled ctx) should return an error")
	}
}

func TestMftGetPathResolvesDirectory(t *testing.T) {
	parent := SegmentReference{Segment: 5, Sequence: 1}
	fileRef := SegmentReference{Segment: 100, Sequence: 1}

	entries := [][]byte{
		buildIndexEntry(fileRef, buildFileNameBody(parent, "notes.txt", NameTypeWin32), false),
		buildIndexEntry(SegmentReference{}, nil, true),
	}
	rootRaw := buildDirectoryRecord(t, buildIndexRootValue(CollationFilename, entries))
	fileRaw := buildMinimalRecord(t, "notes.txt", "hi")

	mft := newTestMft(map[uint64][]byte{
		SegmentRoot:       rootRaw,
		fileRef.Segment: fileRaw,
	})

	rec, err := mft.GetPath("/notes.txt")
	if err != nil {
		t.Fatalf("GetPath: %v", err)
	}
	names, err := rec.FileNames(true)
	if err != nil || len(names) == 0 || names[0].Name != "notes.txt" {
		t.Errorf("GetPath resolved wrong record: %+v / %v", names, err)
	}
}
