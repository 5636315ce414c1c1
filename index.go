package ntfs

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/fixup"
	"github.com/distr1/ntfs/internal/runlist"
	"github.com/distr1/ntfs/internal/trace"
)

// Comparator orders two index keys; it returns <0, 0, >0 like bytes.Compare.
type Comparator func(a, b []byte) int

// IndexEntry is one parsed B+-tree index entry.
type IndexEntry struct {
	Key           []byte
	FileReference SegmentReference
	Data          []byte // populated instead of FileReference for non-FILE_NAME indexes (e.g. $SII)
	HasChild      bool
	ChildVCN      uint64
	End           bool
}

// Index is a B+-tree index engine over a record's $INDEX_ROOT (+ optional
// $INDEX_ALLOCATION) attribute pair.
type Index struct {
	record        *Record
	attributeType uint32
	collationRule uint32
	bytesPerBuffer uint32
	rootEntries   []IndexEntry
	hasAllocation bool
	allocStream   *runlist.Stream
	allocSize     int64
	vcnUnit       int64 // bytes per VCN: clusterSize if clusterSize<=bytesPerBuffer, else sectorSize

	bufferCache map[uint64][]IndexEntry // bounded per-index cache, keyed by VCN
	bufferOrder []uint64
}

const indexBufferCacheSize = 128

func newIndex(r *Record, name string) (*Index, error) {
	rootAttrs, err := r.find(name, AttrTypeIndexRoot)
	if err != nil {
		return nil, err
	}
	rootVal := rootAttrs[0].Value()
	if len(rootVal) < 16 {
		return nil, xerrors.Errorf("index %q: $INDEX_ROOT too short: %w", name, ErrBadIndex)
	}
	idx := &Index{
		record:        r,
		attributeType: binary.LittleEndian.Uint32(rootVal[0:4]),
		collationRule: binary.LittleEndian.Uint32(rootVal[4:8]),
		bytesPerBuffer: binary.LittleEndian.Uint32(rootVal[8:12]),
		bufferCache:   make(map[uint64][]IndexEntry),
	}
	if idx.bytesPerBuffer == 0 {
		idx.bytesPerBuffer = uint32(r.geometry.IndexBufferSize)
	}
	if r.geometry.ClusterSize <= int64(idx.bytesPerBuffer) {
		idx.vcnUnit = r.geometry.ClusterSize
	} else {
		idx.vcnUnit = r.geometry.SectorSize
	}

	header := rootVal[16:]
	entries, err := parseIndexHeader(header, idx.attributeType == AttrTypeFileName)
	if err != nil {
		return nil, xerrors.Errorf("index %q: %w", name, err)
	}
	idx.rootEntries = entries

	if allocAttrs, ok := func() (AttributeCollection, bool) {
		c, err := r.find(name, AttrTypeIndexAllocation)
		return c, err == nil
	}(); ok {
		var src runlist.Source
		var decompress runlist.Decompressor
		if r.mft != nil {
			src = r.mft.source()
			decompress = r.mft.decompressor()
		}
		reader, size, err := allocAttrs.Open(src, r.geometry.ClusterSize, false, decompress)
		if err == nil {
			if s, ok := reader.(*runlist.Stream); ok {
				idx.hasAllocation = true
				idx.allocStream = s
				idx.allocSize = size
			}
		}
	}

	return idx, nil
}

// parseIndexHeader parses an _INDEX_HEADER (FirstEntryOffset, TotalEntrySize,
// AllocatedSize, Flags) at the start of b, relative to b's own start, and
// returns the entries it describes. isFileNameIndex selects which half of
// the entry header's union applies: a FileReference (directory indexes) or
// a DataOffset/DataLength pair into an inline payload (e.g. $SII, $SDH).
func parseIndexHeader(b []byte, isFileNameIndex bool) ([]IndexEntry, error) {
	if len(b) < 16 {
		return nil, xerrors.Errorf("index header truncated: %w", ErrBadIndex)
	}
	firstEntryOffset := binary.LittleEndian.Uint32(b[0:4])
	totalEntrySize := binary.LittleEndian.Uint32(b[4:8])
	return parseEntries(b, int(firstEntryOffset), int(totalEntrySize), isFileNameIndex)
}

func parseEntries(b []byte, start, end int, isFileNameIndex bool) ([]IndexEntry, error) {
	var out []IndexEntry
	off := start
	if end > len(b) {
		end = len(b)
	}
	for off < end {
		if off+16 > len(b) {
			break
		}
		length := int(binary.LittleEndian.Uint16(b[off+8 : off+10]))
		if length == 0 {
			break
		}
		keyLength := int(binary.LittleEndian.Uint16(b[off+10 : off+12]))
		flags := binary.LittleEndian.Uint16(b[off+12 : off+14])

		e := IndexEntry{
			HasChild: flags&0x01 != 0,
			End:      flags&0x02 != 0,
		}
		if !e.End {
			if isFileNameIndex {
				ref := binary.LittleEndian.Uint64(b[off : off+8])
				e.FileReference = decodeSegmentReference(ref)
			} else {
				dataOffset := int(binary.LittleEndian.Uint16(b[off : off+2]))
				dataLength := int(binary.LittleEndian.Uint16(b[off+2 : off+4]))
				dStart, dEnd := off+dataOffset, off+dataOffset+dataLength
				if dataOffset > 0 && dEnd <= len(b) && dStart <= dEnd {
					e.Data = append([]byte(nil), b[dStart:dEnd]...)
				}
			}
			if off+16+keyLength <= len(b) {
				e.Key = append([]byte(nil), b[off+16:off+16+keyLength]...)
			}
		}
		if e.HasChild && off+length >= 8 && off+length <= len(b) {
			e.ChildVCN = binary.LittleEndian.Uint64(b[off+length-8 : off+length])
		}

		out = append(out, e)
		if e.End {
			break
		}
		off += length
	}
	return out, nil
}

// buffer returns the parsed entries of the $INDEX_ALLOCATION node at the
// given VCN, decoding and caching on first access.
func (idx *Index) buffer(vcn uint64) ([]IndexEntry, error) {
	if e, ok := idx.bufferCache[vcn]; ok {
		return e, nil
	}
	if !idx.hasAllocation {
		return nil, xerrors.Errorf("index: no $INDEX_ALLOCATION: %w", ErrBadIndex)
	}
	ev := trace.Event("index.buffer", 1)
	ev.Args = vcn
	defer ev.Done()

	raw := make([]byte, idx.bytesPerBuffer)
	off := int64(vcn) * idx.vcnUnit
	if _, err := idx.allocStream.ReadAt(raw, off); err != nil {
		return nil, xerrors.Errorf("index: read buffer vcn %d: %w", vcn, err)
	}
	if len(raw) < 4 || string(raw[0:4]) != "INDX" {
		return nil, xerrors.Errorf("index: buffer vcn %d missing INDX magic: %w", vcn, ErrBadIndex)
	}
	fixed, err := fixup.Apply(raw)
	if err != nil {
		return nil, xerrors.Errorf("index: buffer vcn %d: %w", vcn, ErrBadFixup)
	}
	// _INDEX_ALLOCATION_BUFFER header: Signature[4], USAOffset u16, USACount
	// u16, LSN u64, VCN u64, then the INDEX_HEADER at offset 24.
	if len(fixed) < 24 {
		return nil, xerrors.Errorf("index: buffer vcn %d truncated: %w", vcn, ErrBadIndex)
	}
	entries, err := parseIndexHeader(fixed[24:], idx.attributeType == AttrTypeFileName)
	if err != nil {
		return nil, err
	}
	// Entry offsets inside parseIndexHeader are relative to the INDEX_HEADER
	// start (fixed[24:]), matching what parseEntries computed already.
	idx.bufferCache[vcn] = entries
	idx.bufferOrder = append(idx.bufferOrder, vcn)
	for len(idx.bufferOrder) > indexBufferCacheSize {
		oldest := idx.bufferOrder[0]
		idx.bufferOrder = idx.bufferOrder[1:]
		delete(idx.bufferCache, oldest)
	}
	return entries, nil
}

// Entries returns every entry across the root and (if present) every
// reachable $INDEX_ALLOCATION buffer, in on-disk B+-tree traversal order.
// Individual broken buffers are skipped rather than aborting iteration.
func (idx *Index) Entries() ([]IndexEntry, error) {
	return idx.walk(idx.rootEntries)
}

// walk performs an in-order traversal: for each entry, recurse into its
// child node first (if any) before yielding the entry itself, matching
// B+-tree in-order (ascending-key) traversal.
func (idx *Index) walk(entries []IndexEntry) ([]IndexEntry, error) {
	var out []IndexEntry
	for _, e := range entries {
		if e.HasChild {
			child, err := idx.buffer(e.ChildVCN)
			if err == nil {
				childOut, _ := idx.walk(child)
				out = append(out, childOut...)
			}
		}
		if !e.End {
			out = append(out, e)
		}
	}
	return out, nil
}

// upcase returns the volume's loaded $UpCase table, if this index's record
// is attached to an Mft whose Volume has one loaded.
func (idx *Index) upcase() *UpCaseTable {
	if idx.record == nil || idx.record.mft == nil || idx.record.mft.vol == nil {
		return nil
	}
	return idx.record.mft.vol.UpCase
}

// defaultComparator returns the comparator implied by the index's collation
// rule, or nil with ErrNoCollation if none is known.
func (idx *Index) defaultComparator(upcase *UpCaseTable) (Comparator, error) {
	switch idx.collationRule {
	case CollationFilename, CollationUnicode:
		caser := cases.Upper(language.Und)
		return func(a, b []byte) int {
			an := fileNameFromKey(a)
			bn := string(b)
			var au string
			if upcase != nil {
				au = upcase.Upper(an)
			} else {
				au = caser.String(an)
			}
			var bu string
			if upcase != nil {
				bu = upcase.Upper(bn)
			} else {
				bu = caser.String(bn)
			}
			return bytes.Compare([]byte(au), []byte(bu))
		}, nil
	case CollationULong, CollationULongs:
		return func(a, b []byte) int {
			if len(a) < 4 || len(b) < 4 {
				return bytes.Compare(a, b)
			}
			av := binary.LittleEndian.Uint32(a)
			bv := binary.LittleEndian.Uint32(b)
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}, nil
	default:
		return nil, ErrNoCollation
	}
}

// fileNameFromKey extracts the UTF-16LE name from a $FILE_NAME index key
// (the key bytes are the raw $FILE_NAME attribute body; the name starts at
// its documented offset 66, length-prefixed at offset 64).
func fileNameFromKey(key []byte) string {
	if len(key) < 66 {
		return ""
	}
	nameLength := int(key[64])
	end := 66 + nameLength*2
	if end > len(key) {
		return ""
	}
	return decodeUTF16LE(key[66:end])
}

// Search scans the entries of the current node in order (a linear scan, not
// a binary search), descending into child VCNs as needed, for the first entry whose key
// is >= value (an END entry always compares greater than any key). If cmp
// is nil, the comparator implied by the index's collation rule is used (or
// ErrNoCollation if the rule is unknown). If exact is true and no entry's
// key equals value exactly, ErrNotFound (wrapped in NotFoundError) results.
func (idx *Index) Search(value []byte, exact bool, cmp Comparator) (IndexEntry, error) {
	if cmp == nil {
		c, err := idx.defaultComparator(idx.upcase())
		if err != nil {
			return IndexEntry{}, err
		}
		cmp = c
	}
	return idx.searchNode(idx.rootEntries, value, exact, cmp)
}

func (idx *Index) searchNode(entries []IndexEntry, value []byte, exact bool, cmp Comparator) (IndexEntry, error) {
	// Find the first entry whose key is >= value. END entries compare as
	// "greater than any key" so the loop always terminates on one.
	for _, e := range entries {
		cmpResult := 1
		if !e.End {
			cmpResult = cmp(e.Key, value)
		}
		if cmpResult >= 0 {
			if cmpResult == 0 {
				return e, nil
			}
			if e.HasChild {
				child, err := idx.buffer(e.ChildVCN)
				if err != nil {
					if exact {
						return IndexEntry{}, &NotFoundError{Kind: "index key", Key: string(value)}
					}
					return e, nil
				}
				return idx.searchNode(child, value, exact, cmp)
			}
			if exact {
				return IndexEntry{}, &NotFoundError{Kind: "index key", Key: string(value)}
			}
			return e, nil
		}
	}
	return IndexEntry{}, &NotFoundError{Kind: "index key", Key: string(value)}
}
