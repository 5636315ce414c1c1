package ntfs

import (
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/runlist"
)

// attributeHeaderSize is the size of the fixed part common to resident and
// non-resident attribute records, before the name and the form-specific
// union.
const attributeHeaderSize = 16

// AttributeHeader is the parsed, fixed portion of one attribute record.
type AttributeHeader struct {
	TypeCode     uint32
	RecordLength uint32
	Resident     bool
	NameLength   uint8
	NameOffset   uint16
	Flags        uint16
	Instance     uint16

	// Resident form.
	ValueLength uint32
	ValueOffset uint16
	Indexed     bool

	// Non-resident form.
	LowestVcn        uint64
	HighestVcn       uint64
	MappingPairsOff  uint16
	CompressionUnit  uint8
	AllocatedLength  uint64
	FileSize         uint64
	ValidDataLength  uint64

	raw  []byte // the full attribute record, for name/value/mapping-pair slicing
	name string
}

func (h *AttributeHeader) decodeName() {
	if h.NameLength == 0 {
		return
	}
	start := int(h.NameOffset)
	end := start + int(h.NameLength)*2
	if end > len(h.raw) {
		return
	}
	h.name = decodeUTF16LE(h.raw[start:end])
}

// Name returns the attribute's name (e.g. a named $DATA stream), or "" for
// the unnamed instance.
func (h *AttributeHeader) Name() string { return h.name }

// Compressed reports whether the attribute's content is LZNT1-compressed.
func (h *AttributeHeader) Compressed() bool { return h.Flags&0x0001 != 0 }

// Sparse reports whether the attribute is sparse.
func (h *AttributeHeader) Sparse() bool { return h.Flags&0x8000 != 0 }

// Encrypted reports whether the attribute is encrypted (content cannot be
// read by this package; only the flag is surfaced).
func (h *AttributeHeader) Encrypted() bool { return h.Flags&0x4000 != 0 }

// Value returns the resident value bytes. Panics if called on a
// non-resident attribute: this is a programmer error.
func (h *AttributeHeader) Value() []byte {
	if !h.Resident {
		panic("ntfs: Value() on non-resident attribute")
	}
	start := int(h.ValueOffset)
	end := start + int(h.ValueLength)
	if end > len(h.raw) {
		end = len(h.raw)
	}
	if start > end {
		start = end
	}
	return h.raw[start:end]
}

// Runlist decodes the non-resident attribute's mapping pairs. Panics if
// called on a resident attribute.
func (h *AttributeHeader) Runlist() (runlist.RunList, error) {
	if h.Resident {
		panic("ntfs: Runlist() on resident attribute")
	}
	start := int(h.MappingPairsOff)
	if start > len(h.raw) {
		return nil, xerrors.Errorf("attr: mapping pairs offset past record end: %w", ErrBadRunlist)
	}
	rl, err := runlist.Decode(h.raw[start:])
	if err != nil {
		return nil, xerrors.Errorf("attr: %w", ErrBadRunlist)
	}
	return rl, nil
}

// decodeAttributeHeader parses one attribute record starting at buf[0].
// The returned header's RecordLength is the full record length, so the
// caller can advance past it even if decoding only consumed a prefix.
func decodeAttributeHeader(buf []byte) (*AttributeHeader, error) {
	if len(buf) < attributeHeaderSize {
		return nil, xerrors.Errorf("attr: record shorter than header: %w", ErrBadMft)
	}
	h := &AttributeHeader{
		TypeCode:     binary.LittleEndian.Uint32(buf[0:4]),
		RecordLength: binary.LittleEndian.Uint32(buf[4:8]),
		Resident:     buf[8] == 0,
		NameLength:   buf[9],
		NameOffset:   binary.LittleEndian.Uint16(buf[10:12]),
		Flags:        binary.LittleEndian.Uint16(buf[12:14]),
		Instance:     binary.LittleEndian.Uint16(buf[14:16]),
	}
	if h.RecordLength == 0 {
		return nil, xerrors.Errorf("attr: zero record length: %w", ErrBadMft)
	}
	end := int(h.RecordLength)
	if end > len(buf) {
		end = len(buf)
	}
	h.raw = buf[:end]

	if h.Resident {
		if len(buf) < 24 {
			return nil, xerrors.Errorf("attr: resident header truncated: %w", ErrBadMft)
		}
		h.ValueLength = binary.LittleEndian.Uint32(buf[16:20])
		h.ValueOffset = binary.LittleEndian.Uint16(buf[20:22])
		h.Indexed = buf[22]&0x01 != 0
	} else {
		if len(buf) < 56 {
			return nil, xerrors.Errorf("attr: non-resident header truncated: %w", ErrBadMft)
		}
		h.LowestVcn = binary.LittleEndian.Uint64(buf[16:24])
		h.HighestVcn = binary.LittleEndian.Uint64(buf[24:32])
		h.MappingPairsOff = binary.LittleEndian.Uint16(buf[32:34])
		h.CompressionUnit = buf[34]
		h.AllocatedLength = binary.LittleEndian.Uint64(buf[40:48])
		h.FileSize = binary.LittleEndian.Uint64(buf[48:56])
		if len(buf) >= 64 {
			h.ValidDataLength = binary.LittleEndian.Uint64(buf[56:64])
		}
	}
	h.decodeName()
	return h, nil
}

// decodeUTF16LE decodes a little-endian UTF-16 byte slice (an even length)
// to a Go string.
func decodeUTF16LE(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i : 2*i+2])
	}
	return string(utf16.Decode(u))
}

// StandardInformation is the decoded body of a $STANDARD_INFORMATION
// attribute.
type StandardInformation struct {
	CreationTime       uint64
	ModificationTime   uint64
	MftChangeTime      uint64
	AccessTime         uint64
	FileAttributes     uint32
	MaximumVersions    uint32
	VersionNumber      uint32
	ClassID            uint32
	OwnerID            uint32
	SecurityID         uint32
	QuotaCharged       uint64
	USN                uint64
}

// DecodeStandardInformation parses a $STANDARD_INFORMATION body. Shorter
// input (older/minimal records) is tolerated by right-padding with zero
// bytes.
func DecodeStandardInformation(b []byte) StandardInformation {
	const full = 72
	if len(b) < full {
		padded := make([]byte, full)
		copy(padded, b)
		b = padded
	}
	var si StandardInformation
	si.CreationTime = binary.LittleEndian.Uint64(b[0:8])
	si.ModificationTime = binary.LittleEndian.Uint64(b[8:16])
	si.MftChangeTime = binary.LittleEndian.Uint64(b[16:24])
	si.AccessTime = binary.LittleEndian.Uint64(b[24:32])
	si.FileAttributes = binary.LittleEndian.Uint32(b[32:36])
	si.MaximumVersions = binary.LittleEndian.Uint32(b[36:40])
	si.VersionNumber = binary.LittleEndian.Uint32(b[40:44])
	si.ClassID = binary.LittleEndian.Uint32(b[44:48])
	si.OwnerID = binary.LittleEndian.Uint32(b[48:52])
	si.SecurityID = binary.LittleEndian.Uint32(b[52:56])
	si.QuotaCharged = binary.LittleEndian.Uint64(b[56:64])
	si.USN = binary.LittleEndian.Uint64(b[64:72])
	return si
}

// FileName is the decoded body of a $FILE_NAME attribute.
type FileName struct {
	Parent           SegmentReference
	CreationTime     uint64
	ModificationTime uint64
	MftChangeTime    uint64
	AccessTime       uint64
	AllocatedSize    uint64
	RealSize         uint64
	FileAttributes   uint32
	ExtendedData     uint32
	NameType         uint8
	Name             string
}

// DecodeFileName parses a $FILE_NAME body.
func DecodeFileName(b []byte) (FileName, error) {
	if len(b) < 66 {
		return FileName{}, xerrors.Errorf("attr: $FILE_NAME too short: %w", ErrBadMft)
	}
	var fn FileName
	fn.Parent = decodeSegmentReference(binary.LittleEndian.Uint64(b[0:8]))
	fn.CreationTime = binary.LittleEndian.Uint64(b[8:16])
	fn.ModificationTime = binary.LittleEndian.Uint64(b[16:24])
	fn.MftChangeTime = binary.LittleEndian.Uint64(b[24:32])
	fn.AccessTime = binary.LittleEndian.Uint64(b[32:40])
	fn.AllocatedSize = binary.LittleEndian.Uint64(b[40:48])
	fn.RealSize = binary.LittleEndian.Uint64(b[48:56])
	fn.FileAttributes = binary.LittleEndian.Uint32(b[56:60])
	fn.ExtendedData = binary.LittleEndian.Uint32(b[60:64])
	nameLength := int(b[64])
	fn.NameType = b[65]
	nameBytes := nameLength * 2
	if 66+nameBytes > len(b) {
		return FileName{}, xerrors.Errorf("attr: $FILE_NAME name truncated: %w", ErrBadMft)
	}
	fn.Name = decodeUTF16LE(b[66 : 66+nameBytes])
	return fn, nil
}

// AttributeListEntry is one entry of a parsed $ATTRIBUTE_LIST.
type AttributeListEntry struct {
	TypeCode  uint32
	LowestVcn uint64
	Segment   SegmentReference
	Instance  uint16
	Name      string
}

// DecodeAttributeList parses a sequence of $ATTRIBUTE_LIST entries until
// RecordLength == 0 or input is exhausted.
func DecodeAttributeList(b []byte) ([]AttributeListEntry, error) {
	var entries []AttributeListEntry
	i := 0
	for i < len(b) {
		if i+8 > len(b) {
			break
		}
		typeCode := binary.LittleEndian.Uint32(b[i : i+4])
		recordLength := binary.LittleEndian.Uint16(b[i+4 : i+6])
		if recordLength == 0 {
			break
		}
		nameLength := int(b[i+6])
		nameOffset := int(b[i+7])
		if i+24 > len(b) {
			return nil, xerrors.Errorf("attr: $ATTRIBUTE_LIST entry truncated: %w", ErrBadMft)
		}
		lowestVcn := binary.LittleEndian.Uint64(b[i+8 : i+16])
		segRaw := binary.LittleEndian.Uint64(b[i+16 : i+24])
		instance := binary.LittleEndian.Uint16(b[i+24 : i+26])

		var name string
		if nameLength > 0 {
			start := i + nameOffset
			end := start + nameLength*2
			if end <= len(b) {
				name = decodeUTF16LE(b[start:end])
			}
		}

		entries = append(entries, AttributeListEntry{
			TypeCode:  typeCode,
			LowestVcn: lowestVcn,
			Segment:   decodeSegmentReference(segRaw),
			Instance:  instance,
			Name:      name,
		})

		i += int(recordLength)
	}
	return entries, nil
}

// VolumeInformation is the decoded body of $VOLUME_INFORMATION (on
// segment 3, $Volume).
type VolumeInformation struct {
	MajorVersion uint8
	MinorVersion uint8
	Flags        uint16
}

// DecodeVolumeInformation parses a $VOLUME_INFORMATION body.
func DecodeVolumeInformation(b []byte) (VolumeInformation, error) {
	if len(b) < 12 {
		return VolumeInformation{}, xerrors.Errorf("attr: $VOLUME_INFORMATION too short: %w", ErrBadMft)
	}
	return VolumeInformation{
		MajorVersion: b[8],
		MinorVersion: b[9],
		Flags:        binary.LittleEndian.Uint16(b[10:12]),
	}, nil
}

// ReparsePoint is the decoded header of a $REPARSE_POINT attribute; the
// payload itself is left uninterpreted per this package's tag-identification-only
// scope.
type ReparsePoint struct {
	Tag     ReparseTag
	Payload []byte
}

// DecodeReparsePoint parses a $REPARSE_POINT body.
func DecodeReparsePoint(b []byte) (ReparsePoint, error) {
	if len(b) < 8 {
		return ReparsePoint{}, xerrors.Errorf("attr: $REPARSE_POINT too short: %w", ErrBadMft)
	}
	tag := ReparseTag(binary.LittleEndian.Uint32(b[0:4]))
	dataLen := binary.LittleEndian.Uint16(b[4:6])
	start := 8
	end := start + int(dataLen)
	if end > len(b) {
		end = len(b)
	}
	return ReparsePoint{Tag: tag, Payload: b[start:end]}, nil
}
