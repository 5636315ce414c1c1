package ntfs

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/lznt1"
	"github.com/distr1/ntfs/internal/runlist"
	"github.com/distr1/ntfs/internal/trace"
)

// recordCacheSize is the typical bound on cached MFT records.
const recordCacheSize = 4096

// Mft indexes MFT records by segment number and resolves paths. It is
// fronted by a bounded LRU-ish cache (oldest entries evicted once the cache
// exceeds recordCacheSize).
type Mft struct {
	src         runlist.Source
	geometry    Geometry
	rl          runlist.RunList
	fileSize    int64
	vol         *Volume // set by Volume.Open; nil for a standalone Mft
	decompress  runlist.Decompressor

	mu         sync.Mutex // guards cache/cacheOrder and the source cursor
	cache      map[uint64]*Record
	cacheOrder []uint64
}

// source returns the byte source records and streams ultimately read
// through.
func (m *Mft) source() runlist.Source { return m.src }

// decompressor returns the LZNT1 decompressor compressed streams are fed
// through. LZNT1 is treated as an external collaborator provided as a pure
// function; internal/lznt1.Decompress is wired in as the default so the
// package is usable standalone, and Volume.Open's WithLZNT1Decompressor
// option lets a caller substitute their own.
func (m *Mft) decompressor() runlist.Decompressor { return m.decompress }

// BootstrapMft performs the two-phase $MFT resolve: record 0 is read
// directly from the volume, a provisional Mft is built from record 0's own
// $DATA runs, and if record 0 carries an
// $ATTRIBUTE_LIST, each referenced child segment's $DATA runs are appended
// to the provisional stream's runlist in list order before the next entry
// (which may reference a record inside those new runs) is resolved.
func BootstrapMft(src runlist.Source, geometry Geometry, mftStartLcn uint64) (*Mft, error) {
	offset := int64(mftStartLcn) * geometry.ClusterSize
	raw := make([]byte, geometry.FileRecordSize)
	if _, err := src.ReadAt(raw, offset); err != nil {
		return nil, xerrors.Errorf("bootstrap: read $MFT record 0: %w", err)
	}

	rec0, err := DecodeRecord(SegmentMFT, raw, geometry, nil)
	if err != nil {
		return nil, xerrors.Errorf("bootstrap: %w", err)
	}
	attrs0, err := rec0.rawAttributes()
	if err != nil {
		return nil, xerrors.Errorf("bootstrap: %w", err)
	}

	var dataAttrs, listAttrs []*AttributeHeader
	for _, a := range attrs0 {
		if a.TypeCode == AttrTypeData && a.Name() == "" {
			dataAttrs = append(dataAttrs, a)
		}
		if a.TypeCode == AttrTypeAttributeList && a.Name() == "" {
			listAttrs = append(listAttrs, a)
		}
	}
	if len(dataAttrs) == 0 {
		return nil, xerrors.Errorf("bootstrap: $MFT record 0 has no $DATA attribute: %w", ErrBadMft)
	}
	if dataAttrs[0].Resident {
		return nil, xerrors.Errorf("bootstrap: $MFT's own $DATA must be non-resident: %w", ErrBadMft)
	}
	rl, err := dataAttrs[0].Runlist()
	if err != nil {
		return nil, xerrors.Errorf("bootstrap: %w", err)
	}

	m := &Mft{
		src:        src,
		geometry:   geometry,
		rl:         rl,
		fileSize:   int64(dataAttrs[0].FileSize),
		decompress: lznt1.Decompress,
		cache:      make(map[uint64]*Record),
	}
	m.put(SegmentMFT, rec0)

	if len(listAttrs) > 0 {
		var body []byte
		if listAttrs[0].Resident {
			body = listAttrs[0].Value()
		} else {
			// A non-resident attribute list on record 0 itself would need
			// the stream it is part of bootstrapping; this does not occur
			// in practice (attribute lists on $MFT's own base record are
			// always resident) and is treated as a hard bootstrap failure
			// rather than guessed at.
			return nil, xerrors.Errorf("bootstrap: non-resident $ATTRIBUTE_LIST on $MFT record 0 unsupported: %w", ErrBadMft)
		}
		entries, err := DecodeAttributeList(body)
		if err != nil {
			return nil, xerrors.Errorf("bootstrap: %w", err)
		}
		for _, e := range entries {
			if e.TypeCode != AttrTypeData || e.Segment.Segment == SegmentMFT {
				continue
			}
			childOffset := int64(e.Segment.Segment) * geometry.FileRecordSize
			childRaw := make([]byte, geometry.FileRecordSize)
			if _, err := m.stream().ReadAt(childRaw, childOffset); err != nil {
				continue
			}
			childRec, err := DecodeRecord(e.Segment.Segment, childRaw, geometry, nil)
			if err != nil {
				continue
			}
			childAttrs, err := childRec.rawAttributes()
			if err != nil {
				continue
			}
			for _, a := range childAttrs {
				if a.TypeCode == AttrTypeData && a.Name() == "" && !a.Resident {
					childRl, err := a.Runlist()
					if err != nil {
						continue
					}
					// Visible before the next list entry is processed.
					m.rl = append(m.rl, childRl...)
				}
			}
		}
	}

	// Re-decode record 0 with the Mft wired in, so ordinary attribute-list
	// resolution (e.g. for streams other than $DATA on record 0) works
	// from here on.
	rec0Final, err := DecodeRecord(SegmentMFT, raw, geometry, m)
	if err == nil {
		m.put(SegmentMFT, rec0Final)
	}

	return m, nil
}

// stream returns a fresh Stream over the Mft's current runlist. Bootstrap
// mutates m.rl in place; callers must not cache this across mutation.
func (m *Mft) stream() *runlist.Stream {
	return runlist.NewStream(m.src, m.geometry.ClusterSize, m.rl, m.fileSize, m.fileSize, false)
}

func (m *Mft) put(segment uint64, r *Record) {
	if _, ok := m.cache[segment]; !ok {
		m.cacheOrder = append(m.cacheOrder, segment)
	}
	m.cache[segment] = r
	for len(m.cacheOrder) > recordCacheSize {
		oldest := m.cacheOrder[0]
		m.cacheOrder = m.cacheOrder[1:]
		if oldest != segment {
			delete(m.cache, oldest)
		}
	}
}

// GetSegment returns the record at the given segment number, decoding and
// caching it on first access. Safe for concurrent use (see Prefetch).
func (m *Mft) GetSegment(segment uint64) (*Record, error) {
	m.mu.Lock()
	if r, ok := m.cache[segment]; ok {
		m.mu.Unlock()
		return r, nil
	}
	offset := int64(segment) * m.geometry.FileRecordSize
	raw := make([]byte, m.geometry.FileRecordSize)
	ev := trace.Event("mft.GetSegment", 0)
	_, err := m.stream().ReadAt(raw, offset)
	ev.Args = segment
	ev.Done()
	m.mu.Unlock()
	if err != nil {
		return nil, xerrors.Errorf("mft: read segment %#x: %w", segment, err)
	}
	rec, err := DecodeRecord(segment, raw, m.geometry, m)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.put(segment, rec)
	m.mu.Unlock()
	return rec, nil
}

// Get resolves segment, SegmentReference, or path-string addresses to a
// Record. Numeric forms do no sequence-number validation; the
// SegmentReference form fails with ErrNotFound when the record's sequence
// number differs from the reference's (a stale reference).
func (m *Mft) Get(addr interface{}) (*Record, error) {
	switch a := addr.(type) {
	case uint64:
		return m.GetSegment(a)
	case int:
		return m.GetSegment(uint64(a))
	case SegmentReference:
		r, err := m.GetSegment(a.Segment)
		if err != nil {
			return nil, err
		}
		if r.header.SequenceNumber != a.Sequence {
			return nil, xerrors.Errorf("mft: stale reference %s: %w", a, ErrNotFound)
		}
		return r, nil
	case string:
		return m.GetPath(a)
	default:
		return nil, xerrors.New("mft: unsupported address type")
	}
}

// GetPath resolves a "/"- or "\\"-separated path from the root directory
// (segment 5) down, looking up each component via that level's $I30 index.
func (m *Mft) GetPath(path string) (*Record, error) {
	cur, err := m.GetSegment(SegmentRoot)
	if err != nil {
		return nil, &PathError{Op: "get", Path: path, Err: err}
	}
	parts := splitPath(path)
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !cur.IsDir() {
			return nil, &PathError{Op: "get", Path: path, Err: ErrNotADirectory}
		}
		idx, err := cur.Index("$I30")
		if err != nil {
			return nil, &PathError{Op: "get", Path: path, Err: err}
		}
		entry, err := idx.Search([]byte(p), true, nil)
		if err != nil {
			return nil, &PathError{Op: "get", Path: path, Err: err}
		}
		next, err := m.Get(entry.FileReference)
		if err != nil {
			return nil, &PathError{Op: "get", Path: path, Err: err}
		}
		cur = next
	}
	return cur, nil
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
}

// Segments iterates every slot in the $MFT (size/FileRecordSize of them),
// yielding parseable records and silently skipping slots that fail to
// parse (bad signature or fixup failure). A full-volume walk can take long
// enough to be worth interrupting: ctx is checked once per segment, and a
// canceled ctx stops the walk early, returning what was collected so far
// along with ctx.Err().
func (m *Mft) Segments(ctx context.Context) ([]*Record, error) {
	count := m.fileSize / m.geometry.FileRecordSize
	var out []*Record
	for i := int64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := m.GetSegment(uint64(i))
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Prefetch concurrently dereferences a batch of segment references,
// preserving their input order in the returned slice (mirroring the
// order-stable guarantee attribute-list merges and directory listings
// honor, extended here to concurrent dereference). A failed lookup leaves
// its slot nil and does not abort the batch; the error itself is not
// reported. A canceled ctx stops
// dispatching further lookups and Prefetch returns ctx.Err(); slots not yet
// resolved at that point are left nil, same as a failed lookup.
func (m *Mft) Prefetch(ctx context.Context, segments []uint64) ([]*Record, error) {
	out := make([]*Record, len(segments))
	g, ctx := errgroup.WithContext(ctx)
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := m.GetSegment(seg)
			if err != nil {
				return nil // best-effort: leave out[i] nil
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}
