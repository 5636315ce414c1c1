package ntfs

import (
	"encoding/binary"
	"io"
	"sort"

	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/fixup"
	"github.com/distr1/ntfs/internal/runlist"
)

const recordHeaderSize = 48

// Record is one parsed MFT record (file record segment): the fixup-applied
// bytes, its header fields, and a lazily-built attribute map.
type Record struct {
	Segment  uint64
	mft      *Mft
	geometry Geometry

	data   []byte // fixed-up record bytes
	header recordHeader

	attrs *AttributeMap // memoized on first computation
}

type recordHeader struct {
	SequenceNumber       uint16
	LinkCount            uint16
	FirstAttributeOffset uint16
	Flags                uint16
	BytesInUse           uint32
	BytesAllocated       uint32
	BaseFileRecord       SegmentReference
	NextAttrInstance     uint16
}

// DecodeRecord parses one MFT record from raw (un-fixed-up) bytes. segment
// is the record's own segment number (for BaseFileRecord/self checks); mft
// may be nil for a record decoded standalone (e.g. outside bootstrap), in
// which case $ATTRIBUTE_LIST resolution across records is unavailable.
func DecodeRecord(segment uint64, raw []byte, geometry Geometry, mft *Mft) (*Record, error) {
	if len(raw) < 4 || string(raw[0:4]) != "FILE" {
		return nil, xerrors.Errorf("record %#x: %w", segment, ErrBadMft)
	}
	fixed, err := fixup.Apply(raw)
	if err != nil {
		return nil, xerrors.Errorf("record %#x: %w", segment, ErrBadFixup)
	}
	if len(fixed) < recordHeaderSize {
		return nil, xerrors.Errorf("record %#x: header truncated: %w", segment, ErrBadMft)
	}

	h := recordHeader{
		SequenceNumber:       binary.LittleEndian.Uint16(fixed[16:18]),
		LinkCount:            binary.LittleEndian.Uint16(fixed[18:20]),
		FirstAttributeOffset: binary.LittleEndian.Uint16(fixed[20:22]),
		Flags:                binary.LittleEndian.Uint16(fixed[22:24]),
		BytesInUse:           binary.LittleEndian.Uint32(fixed[24:28]),
		BytesAllocated:       binary.LittleEndian.Uint32(fixed[28:32]),
		BaseFileRecord:       decodeSegmentReference(binary.LittleEndian.Uint64(fixed[32:40])),
		NextAttrInstance:     binary.LittleEndian.Uint16(fixed[40:42]),
	}

	return &Record{Segment: segment, mft: mft, geometry: geometry, data: fixed, header: h}, nil
}

// Reference returns this record's (segment, sequence) identity.
func (r *Record) Reference() SegmentReference {
	return SegmentReference{Segment: r.Segment, Sequence: r.header.SequenceNumber}
}

// InUse reports whether the record's in-use flag is set.
func (r *Record) InUse() bool { return r.header.Flags&RecordFlagInUse != 0 }

// IsDir reports whether the record carries the directory/has-filename-index
// flag.
func (r *Record) IsDir() bool { return r.header.Flags&RecordFlagDirectory != 0 }

// rawAttributes parses (without list-resolution) the attribute records in
// this MFT record, stopping at AttrTypeEnd; a zero RecordLength fails with
// ErrBadMft.
func (r *Record) rawAttributes() ([]*AttributeHeader, error) {
	var out []*AttributeHeader
	off := int(r.header.FirstAttributeOffset)
	end := int(r.header.BytesInUse)
	if end > len(r.data) || end == 0 {
		end = len(r.data)
	}
	for off < end {
		if off+4 > len(r.data) {
			break
		}
		typeCode := binary.LittleEndian.Uint32(r.data[off : off+4])
		if typeCode == AttrTypeEnd {
			break
		}
		h, err := decodeAttributeHeader(r.data[off:end])
		if err != nil {
			return nil, err
		}
		out = append(out, h)
		if h.RecordLength == 0 {
			return nil, xerrors.Errorf("record %#x: zero-length attribute: %w", r.Segment, ErrBadMft)
		}
		off += int(h.RecordLength)
	}
	return out, nil
}

// attributeMap lazily builds and caches this record's attribute map.
func (r *Record) attributeMap() (*AttributeMap, error) {
	if r.attrs != nil {
		return r.attrs, nil
	}
	raw, err := r.rawAttributes()
	if err != nil {
		return nil, err
	}
	r.attrs = newAttributeMap(raw, r.mft, r.Reference())
	return r.attrs, nil
}

func (r *Record) find(name string, typeCode uint32) (AttributeCollection, error) {
	m, err := r.attributeMap()
	if err != nil {
		return nil, err
	}
	c, ok := m.Find(typeCode, name)
	if !ok {
		if r.mft == nil && len(m.byType[AttrTypeAttributeList]) > 0 {
			return nil, xerrors.Errorf("record %#x: stream %q/%#x: attribute list unresolved: %w", r.Segment, name, typeCode, ErrMftUnavailable)
		}
		return nil, xerrors.Errorf("record %#x: stream %q/%#x: %w", r.Segment, name, typeCode, ErrNoSuchStream)
	}
	return c, nil
}

// Size returns the size (resident length, or real/allocated size) of the
// named stream.
func (r *Record) Size(name string, typeCode uint32, allocated bool) (int64, error) {
	c, err := r.find(name, typeCode)
	if err != nil {
		return 0, err
	}
	return c.Size(allocated)
}

// HasStream reports whether the named stream exists on this record.
func (r *Record) HasStream(name string, typeCode uint32) bool {
	_, err := r.find(name, typeCode)
	return err == nil
}

// DataRuns returns the concatenated runlist of the named non-resident
// stream.
func (r *Record) DataRuns(name string, typeCode uint32) (runlist.RunList, error) {
	c, err := r.find(name, typeCode)
	if err != nil {
		return nil, err
	}
	return c.DataRuns()
}

// Open returns a reader over the named stream's content and its size.
func (r *Record) Open(name string, typeCode uint32, allocated bool) (io.ReaderAt, int64, error) {
	c, err := r.find(name, typeCode)
	if err != nil {
		return nil, 0, err
	}
	var src runlist.Source
	var decompress runlist.Decompressor
	if r.mft != nil {
		src = r.mft.source()
		decompress = r.mft.decompressor()
	}
	return c.Open(src, r.geometry.ClusterSize, allocated, decompress)
}

// OpenData is a convenience for Open("", AttrTypeData, false).
func (r *Record) OpenData() (io.ReaderAt, int64, error) {
	return r.Open("", AttrTypeData, false)
}

// StandardInformation returns the record's decoded $STANDARD_INFORMATION,
// if present.
func (r *Record) StandardInformation() (StandardInformation, error) {
	c, err := r.find("", AttrTypeStandardInformation)
	if err != nil {
		return StandardInformation{}, err
	}
	return DecodeStandardInformation(c[0].Value()), nil
}

// FileNames returns all $FILE_NAME attributes on this record, sorted by
// NameType ascending (Win32 and POSIX names sort before DOS-only names),
// optionally filtering out DOS-only names.
func (r *Record) FileNames(ignoreDOS bool) ([]FileName, error) {
	m, err := r.attributeMap()
	if err != nil {
		return nil, err
	}
	var out []FileName
	for _, a := range m.All(AttrTypeFileName) {
		fn, err := DecodeFileName(a.Value())
		if err != nil {
			continue
		}
		if ignoreDOS && fn.NameType == NameTypeDOS {
			continue
		}
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameType < out[j].NameType })
	return out, nil
}

// ReparseTag returns the record's reparse tag, if it has a $REPARSE_POINT
// attribute.
func (r *Record) ReparseTag() (ReparseTag, bool, error) {
	c, err := r.find("", AttrTypeReparsePoint)
	if err != nil {
		return 0, false, nil
	}
	rp, err := DecodeReparsePoint(c[0].Value())
	if err != nil {
		return 0, false, err
	}
	return rp.Tag, true, nil
}

// Index constructs an Index engine over the named index ($I30 for
// directories, $SII/$SDH for $Secure).
func (r *Record) Index(name string) (*Index, error) {
	return newIndex(r, name)
}

// Iterdir reads the whole $I30 directory index and returns all its entries
// at once (it does not iterate lazily), optionally dereferencing each entry
// to its MFT record.
func (r *Record) Iterdir(deref, ignoreDOS bool) ([]DirEntry, error) {
	idx, err := r.Index("$I30")
	if err != nil {
		return nil, err
	}
	entries, err := idx.Entries()
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	for _, e := range entries {
		if e.End {
			continue
		}
		fn, err := DecodeFileName(e.Key)
		if err != nil {
			continue
		}
		if ignoreDOS && fn.NameType == NameTypeDOS {
			continue
		}
		de := DirEntry{Name: fn.Name, FileName: fn, Segment: e.FileReference}
		if deref && r.mft != nil {
			rec, err := r.mft.Get(e.FileReference.Segment)
			if err == nil {
				de.Record = rec
			}
		}
		out = append(out, de)
	}
	return out, nil
}

// DirEntry is one resolved directory listing entry.
type DirEntry struct {
	Name     string
	FileName FileName
	Segment  SegmentReference
	Record   *Record // nil unless dereferenced
}
