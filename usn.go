package ntfs

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/runlist"
)

const usnPageSize = 4096

// UsnRecord is one decoded v2 USN journal record. v3/v4 records exist on
// disk but are skipped (not surfaced).
type UsnRecord struct {
	FileReference       SegmentReference
	ParentFileReference SegmentReference
	USN                 int64
	Timestamp           uint64
	Reason              uint32
	SourceInfo          uint32
	SecurityID          uint32
	FileAttributes      uint32
	FileName            string
}

// UsnJrnl iterates the $UsnJrnl:$J stream.
type UsnJrnl struct {
	stream io.ReaderAt
	size   int64
	sparse []runlistRange // leading sparse runs to skip without reading
	mft    *Mft
}

type runlistRange struct{ startByte, endByte int64 }

// NewUsnJrnl builds a UsnJrnl from the $UsnJrnl MFT record's $J stream.
func NewUsnJrnl(record *Record, vol *Volume) (*UsnJrnl, error) {
	c, err := record.find("$J", AttrTypeData)
	if err != nil {
		return nil, err
	}
	rl, err := c.DataRuns()
	if err != nil {
		return nil, err
	}
	size, err := c.Size(false)
	if err != nil {
		return nil, err
	}
	var src runlist.Source
	if record.mft != nil {
		src = record.mft.source()
	}
	stream := runlist.NewStream(src, record.geometry.ClusterSize, rl, size, size, false)

	var mft *Mft
	if vol != nil {
		mft = vol.Mft
	} else {
		mft = record.mft
	}
	return &UsnJrnl{stream: stream, size: size, sparse: leadingSparseRanges(rl, record.geometry.ClusterSize), mft: mft}, nil
}

// NewUsnJrnlFromReader builds a UsnJrnl directly from an already-opened $J
// stream, e.g. an isolated system file with no surrounding volume.
func NewUsnJrnlFromReader(r io.ReaderAt, vol *Volume) *UsnJrnl {
	size, _ := readerAtSize(r)
	var mft *Mft
	if vol != nil {
		mft = vol.Mft
	}
	return &UsnJrnl{stream: r, size: size, mft: mft}
}

// leadingSparseRanges returns the byte ranges of runs at the very start of
// rl that are sparse, so iteration can skip them without reading.
func leadingSparseRanges(rl runlist.RunList, clusterSize int64) []runlistRange {
	var out []runlistRange
	var cur int64
	for _, r := range rl {
		start := cur
		end := cur + int64(r.Length)*clusterSize
		cur = end
		if !r.Sparse {
			break
		}
		out = append(out, runlistRange{startByte: start, endByte: end})
	}
	return out
}

func (j *UsnJrnl) skipLeadingSparse(off int64) int64 {
	for _, r := range j.sparse {
		if off >= r.startByte && off < r.endByte {
			return r.endByte
		}
	}
	return off
}

// Records returns every surfaced (v2) USN record, iterating strictly
// forward from the start of the stream.
func (j *UsnJrnl) Records() ([]UsnRecord, error) {
	var out []UsnRecord
	off := j.skipLeadingSparse(0)

	for off < j.size {
		four := make([]byte, 4)
		if _, err := j.stream.ReadAt(four, off); err != nil {
			break
		}
		if binary.LittleEndian.Uint32(four) == 0 {
			// Zero marker: advance to the next page boundary.
			off = (off/usnPageSize + 1) * usnPageSize
			off = j.skipLeadingSparse(off)
			continue
		}

		hdr := make([]byte, 56)
		if _, err := j.stream.ReadAt(hdr, off); err != nil {
			break
		}
		recordLength := binary.LittleEndian.Uint32(hdr[0:4])
		majorVersion := binary.LittleEndian.Uint16(hdr[4:6])
		if recordLength == 0 {
			break
		}

		if majorVersion == 2 {
			rec, err := decodeUsnRecordV2(hdr, j.stream, off, recordLength)
			if err == nil {
				out = append(out, rec)
			}
		}

		off += int64(recordLength)
		off += (-off) & 0x7 // 8-byte align
		off = j.skipLeadingSparse(off)
	}
	return out, nil
}

func decodeUsnRecordV2(hdr []byte, src io.ReaderAt, off int64, recordLength uint32) (UsnRecord, error) {
	if len(hdr) < 56 {
		return UsnRecord{}, xerrors.Errorf("usn: header truncated: %w", ErrUnsupportedUsn)
	}
	fileRef := binary.LittleEndian.Uint64(hdr[8:16])
	parentRef := binary.LittleEndian.Uint64(hdr[16:24])
	usn := int64(binary.LittleEndian.Uint64(hdr[24:32]))
	timestamp := binary.LittleEndian.Uint64(hdr[32:40])
	reason := binary.LittleEndian.Uint32(hdr[40:44])
	sourceInfo := binary.LittleEndian.Uint32(hdr[44:48])
	securityID := binary.LittleEndian.Uint32(hdr[48:52])
	fileAttrs := binary.LittleEndian.Uint32(hdr[52:56])

	nameLenOff, nameOffOff := 56, 58
	if int(recordLength) < nameOffOff+2 {
		return UsnRecord{}, xerrors.Errorf("usn: record too short for name fields: %w", ErrBadMft)
	}
	rest := make([]byte, recordLength-56)
	if _, err := src.ReadAt(rest, off+56); err != nil {
		return UsnRecord{}, err
	}
	fileNameLength := binary.LittleEndian.Uint16(rest[nameLenOff-56 : nameLenOff-56+2])
	fileNameOffset := binary.LittleEndian.Uint16(rest[nameOffOff-56 : nameOffOff-56+2])

	start := int(fileNameOffset) - 56
	end := start + int(fileNameLength)
	var name string
	if start >= 0 && end <= len(rest) && start <= end {
		name = decodeUTF16LE(rest[start:end])
	}

	return UsnRecord{
		FileReference:       decodeSegmentReference(fileRef),
		ParentFileReference: decodeSegmentReference(parentRef),
		USN:                 usn,
		Timestamp:           timestamp,
		Reason:              reason,
		SourceInfo:          sourceInfo,
		SecurityID:          securityID,
		FileAttributes:      fileAttrs,
		FileName:            name,
	}, nil
}

// FullPath resolves r's parent chain through mft, producing broken- or
// unavailable-reference sentinels when the chain can't be walked. Unlike
// the generic MFT-record full-path helper (used by FileName.FullPath, see
// fullpath.go), this is UsnRecord-specific: it distinguishes a parent
// segment that resolved to the wrong sequence number ("broken") from one
// that could not be read at all ("unavailable").
func (r UsnRecord) FullPath(mft *Mft) string {
	if mft == nil {
		return "<unavailable_reference_" + r.ParentFileReference.String() + ">"
	}
	parent, err := mft.GetSegment(r.ParentFileReference.Segment)
	if err != nil {
		return "<unavailable_reference_" + r.ParentFileReference.String() + ">"
	}
	if parent.Reference().Sequence != r.ParentFileReference.Sequence {
		return "<broken_reference_" + r.ParentFileReference.String() + ">"
	}
	names, err := parent.FileNames(true)
	if err != nil || len(names) == 0 {
		return "<broken_reference_" + r.ParentFileReference.String() + ">"
	}
	return FullPath(mft, parent, names[0].Name) + `\` + r.FileName
}
