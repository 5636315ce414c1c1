package ntfs

import (
	"io"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/runlist"
)

// AttributeCollection is an ordered list of attribute records sharing a
// type code (and, once filtered by Find, a name), presenting a merged view
// over what may be a single resident attribute or several non-resident
// fragments chained across MFT records via $ATTRIBUTE_LIST.
type AttributeCollection []*AttributeHeader

// Resident reports whether the first attribute in the collection is
// resident. This defines residency for the whole stream.
func (c AttributeCollection) Resident() bool {
	if len(c) == 0 {
		return false
	}
	return c[0].Resident
}

// sortedByVCN returns the non-resident members ordered by LowestVcn, the
// order in which their runs are concatenated into one logical stream.
func (c AttributeCollection) sortedByVCN() []*AttributeHeader {
	out := append([]*AttributeHeader(nil), c...)
	sort.Slice(out, func(i, j int) bool { return out[i].LowestVcn < out[j].LowestVcn })
	return out
}

// Size returns the resident value length, or for a non-resident stream the
// real (or, if allocated is true, allocated) size taken from the
// lowest-VCN member.
func (c AttributeCollection) Size(allocated bool) (int64, error) {
	if len(c) == 0 {
		return 0, ErrNoSuchStream
	}
	if c.Resident() {
		return int64(c[0].ValueLength), nil
	}
	first := c.sortedByVCN()[0]
	if allocated {
		return int64(first.AllocatedLength), nil
	}
	return int64(first.FileSize), nil
}

// DataRuns concatenates the runlists of every non-resident member, ordered
// by LowestVcn. Fails with ErrResident if the collection is resident.
func (c AttributeCollection) DataRuns() (runlist.RunList, error) {
	if len(c) == 0 {
		return nil, ErrNoSuchStream
	}
	if c.Resident() {
		return nil, xerrors.Errorf("attrmap: dataruns() on resident attribute: %w", ErrResident)
	}
	var rl runlist.RunList
	for _, a := range c.sortedByVCN() {
		part, err := a.Runlist()
		if err != nil {
			return nil, err
		}
		rl = append(rl, part...)
	}
	return rl, nil
}

// Open returns a byte-addressable reader over the stream (resident or
// non-resident, compressed or not) and its size. decompress is consulted
// only for compressed streams; it may be nil when the caller knows the
// stream isn't compressed.
func (c AttributeCollection) Open(src runlist.Source, clusterSize int64, allocated bool, decompress runlist.Decompressor) (io.ReaderAt, int64, error) {
	if len(c) == 0 {
		return nil, 0, ErrNoSuchStream
	}
	if c.Resident() {
		v := c[0].Value()
		return bytesReaderAt(v), int64(len(v)), nil
	}
	first := c.sortedByVCN()[0]
	rl, err := c.DataRuns()
	if err != nil {
		return nil, 0, err
	}
	size, err := c.Size(allocated)
	if err != nil {
		return nil, 0, err
	}
	if first.Compressed() {
		cs := runlist.NewCompressedStream(src, clusterSize, rl, first.CompressionUnit, size, decompress)
		return cs, size, nil
	}
	s := runlist.NewStream(src, clusterSize, rl, int64(first.FileSize), int64(first.AllocatedLength), allocated)
	return s, size, nil
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// AttributeMap groups an MFT record's attributes by type code, merging in
// $ATTRIBUTE_LIST-referenced attributes from other records when the owning
// Mft is available.
type AttributeMap struct {
	byType  map[uint32][]*AttributeHeader
	mft     *Mft
	host    SegmentReference
	resolved bool
}

func newAttributeMap(attrs []*AttributeHeader, mft *Mft, host SegmentReference) *AttributeMap {
	m := &AttributeMap{byType: make(map[uint32][]*AttributeHeader), mft: mft, host: host}
	for _, a := range attrs {
		m.byType[a.TypeCode] = append(m.byType[a.TypeCode], a)
	}
	return m
}

// resolveAttributeList merges in attributes from child segments referenced
// by a non-resident $ATTRIBUTE_LIST, if present and the Mft is available.
// Cycles (including self-reference) are broken with a visited set.
func (m *AttributeMap) resolveAttributeList() {
	if m.resolved {
		return
	}
	m.resolved = true

	list := m.byType[AttrTypeAttributeList]
	if len(list) == 0 {
		return
	}
	if m.mft == nil {
		return // kept unresolved; Record lookups that miss then fail with ErrMftUnavailable
	}

	listAttr := list[0]
	var body []byte
	if listAttr.Resident {
		body = listAttr.Value()
	} else {
		rl, err := listAttr.Runlist()
		if err != nil {
			return
		}
		src := m.mft.source()
		s := runlist.NewStream(src, m.mft.geometry.ClusterSize, rl, int64(listAttr.FileSize), int64(listAttr.AllocatedLength), false)
		buf := make([]byte, listAttr.FileSize)
		if _, err := io.ReadFull(toReader(s), buf); err != nil && err != io.ErrUnexpectedEOF {
			return
		}
		body = buf
	}

	entries, err := DecodeAttributeList(body)
	if err != nil {
		return
	}

	visited := map[uint64]bool{m.host.Segment: true}
	for _, e := range entries {
		if e.Segment.Segment == m.host.Segment {
			continue
		}
		if visited[e.Segment.Segment] {
			continue
		}
		visited[e.Segment.Segment] = true

		child, err := m.mft.GetSegment(e.Segment.Segment)
		if err != nil {
			continue
		}
		childAttrs, err := child.rawAttributes()
		if err != nil {
			continue
		}
		for _, a := range childAttrs {
			m.byType[a.TypeCode] = append(m.byType[a.TypeCode], a)
		}
	}
}

// Find returns the collection of attributes with the given type code and
// case-insensitive name match.
func (m *AttributeMap) Find(typeCode uint32, name string) (AttributeCollection, bool) {
	m.resolveAttributeList()
	var out AttributeCollection
	for _, a := range m.byType[typeCode] {
		if strings.EqualFold(a.Name(), name) {
			out = append(out, a)
		}
	}
	return out, len(out) > 0
}

// All returns every attribute of the given type code, regardless of name.
func (m *AttributeMap) All(typeCode uint32) []*AttributeHeader {
	m.resolveAttributeList()
	return m.byType[typeCode]
}

// toReader adapts an io.ReaderAt positioned at 0 to an io.Reader for a
// one-shot full read.
func toReader(s *runlist.Stream) io.Reader {
	return io.NewSectionReader(s, 0, s.Size())
}
