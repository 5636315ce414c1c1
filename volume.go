package ntfs

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/runlist"
)

// Volume parses the boot sector, derives geometry, and wires together the
// Mft plus the optional auxiliary system files ($Secure, $UsnJrnl,
// $UpCase).
type Volume struct {
	Geometry Geometry
	Mft      *Mft
	UpCase   *UpCaseTable

	secure *Secure
	usn    *UsnJrnl
	src    runlist.Source
}

// options holds the constructor surface:
// Volume::open(source, *, boot=None, mft=None, usnjrnl=None, sds=None).
type options struct {
	bootSector []byte
	mft        *Mft
	usnjrnl    io.ReaderAt
	sds        io.ReaderAt
	loadUpCase bool
	decompress runlist.Decompressor
}

// OpenOption configures Open. Any subset of the auxiliary streams may be
// supplied externally; when absent they are discovered via the Mft once a
// volume source is present.
type OpenOption func(*options)

// WithBootSector supplies boot sector bytes directly, instead of reading
// them from the source at LBA 0.
func WithBootSector(b []byte) OpenOption { return func(o *options) { o.bootSector = b } }

// WithMFT supplies an already-bootstrapped Mft, bypassing the normal
// boot-sector-driven bootstrap (e.g. when only an isolated $MFT file is
// available, with no surrounding volume).
func WithMFT(m *Mft) OpenOption { return func(o *options) { o.mft = m } }

// WithUSNJournal supplies the $UsnJrnl:$J stream directly.
func WithUSNJournal(r io.ReaderAt) OpenOption { return func(o *options) { o.usnjrnl = r } }

// WithSDS supplies the $Secure:$SDS stream directly.
func WithSDS(r io.ReaderAt) OpenOption { return func(o *options) { o.sds = r } }

// WithUpCase requests that $UpCase (segment 10) be loaded for exact
// FILE_NAME collation, when the Mft can resolve it. Off by default since it
// costs a 128 KiB read most callers don't need.
func WithUpCase() OpenOption { return func(o *options) { o.loadUpCase = true } }

// WithLZNT1Decompressor substitutes the decompressor used for compressed
// streams' compression units, in place of the internal/lznt1 default.
// The LZNT1 decompressor is treated as an external collaborator
// provided as a pure function; this option is that seam.
func WithLZNT1Decompressor(d runlist.Decompressor) OpenOption {
	return func(o *options) { o.decompress = d }
}

// Open parses a volume from source. When opts supplies neither a boot
// sector nor a pre-built Mft, the boot sector is read from source at LBA 0
// and used to bootstrap the Mft; an isolated-MFT caller should pass
// WithMFT and no source-derived boot sector will be required.
func Open(src runlist.Source, opts ...OpenOption) (*Volume, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v := &Volume{src: src}

	switch {
	case o.mft != nil:
		v.Geometry = o.mft.geometry
		v.Mft = o.mft
	default:
		geometry, mftStartLcn, err := readBootSector(src, o.bootSector)
		if err != nil {
			return nil, xerrors.Errorf("volume: %w", err)
		}
		v.Geometry = geometry
		mft, err := BootstrapMft(src, geometry, mftStartLcn)
		if err != nil {
			return nil, xerrors.Errorf("volume: %w", err)
		}
		v.Mft = mft
	}
	v.Mft.vol = v
	if o.decompress != nil {
		v.Mft.decompress = o.decompress
	}

	if o.loadUpCase {
		if rec, err := v.Mft.GetSegment(SegmentUpCase); err == nil {
			if data, err := readAll(rec, "", AttrTypeData); err == nil {
				v.UpCase = LoadUpCase(data)
			}
		}
	}

	if o.sds != nil {
		v.secure, _ = NewSecureFromSDS(o.sds, nil)
	} else if v.Mft != nil {
		if rec, err := v.Mft.GetSegment(SegmentSecure); err == nil {
			v.secure, _ = NewSecure(rec)
		}
	}

	if o.usnjrnl != nil {
		v.usn = NewUsnJrnlFromReader(o.usnjrnl, v)
	} else if v.Mft != nil {
		if journalRec, err := v.Mft.GetPath(`$Extend\$UsnJrnl`); err == nil {
			if u, err := NewUsnJrnl(journalRec, v); err == nil {
				v.usn = u
			}
		}
	}

	return v, nil
}

// Secure returns the volume's $Secure reader, or nil if unavailable.
func (v *Volume) Secure() *Secure { return v.secure }

// Name returns the volume label from $Volume's (segment 3) $VOLUME_NAME
// attribute.
func (v *Volume) Name() (string, error) {
	rec, err := v.volumeRecord()
	if err != nil {
		return "", err
	}
	data, err := readAll(rec, "", AttrTypeVolumeName)
	if err != nil {
		return "", err
	}
	return decodeUTF16LE(data), nil
}

// Info returns $Volume's $VOLUME_INFORMATION attribute (NTFS version and
// dirty/other flags).
func (v *Volume) Info() (VolumeInformation, error) {
	rec, err := v.volumeRecord()
	if err != nil {
		return VolumeInformation{}, err
	}
	data, err := readAll(rec, "", AttrTypeVolumeInformation)
	if err != nil {
		return VolumeInformation{}, err
	}
	return DecodeVolumeInformation(data)
}

func (v *Volume) volumeRecord() (*Record, error) {
	if v.Mft == nil {
		return nil, ErrMftUnavailable
	}
	return v.Mft.GetSegment(SegmentVolume)
}

// UsnJrnl returns the volume's $UsnJrnl reader, or nil if unavailable.
func (v *Volume) UsnJrnl() *UsnJrnl { return v.usn }

// readAll reads a whole stream from a record into memory.
func readAll(r *Record, name string, typeCode uint32) ([]byte, error) {
	reader, size, err := r.Open(name, typeCode, false)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(reader, 0, size), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readBootSector validates and parses a boot sector, either the supplied
// override or one read from src at LBA 0.
func readBootSector(src runlist.Source, override []byte) (Geometry, uint64, error) {
	b := override
	if b == nil {
		b = make([]byte, 512)
		if _, err := src.ReadAt(b, 0); err != nil {
			return Geometry{}, 0, xerrors.Errorf("boot sector: %w", err)
		}
	}
	if len(b) < 512 {
		return Geometry{}, 0, xerrors.Errorf("boot sector: short read: %w", ErrBadVolume)
	}
	if string(b[3:11]) != "NTFS    " {
		return Geometry{}, 0, xerrors.Errorf("boot sector: bad OEM id: %w", ErrBadVolume)
	}

	sectorSize := int64(binary.LittleEndian.Uint16(b[11:13]))
	sectorsPerCluster := geometryShift(int8(b[13]), 1)
	mftStartLcn := binary.LittleEndian.Uint64(b[48:56])

	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	clusterSize := sectorSize * sectorsPerCluster

	// ClustersPerFileRecordSegment: positive is a literal cluster count;
	// negative encodes a direct byte-size shift 1 << -n, independent of
	// cluster size.
	clustersPerRecord := int8(b[64])
	var fileRecordSize int64
	if clustersPerRecord >= 0 {
		fileRecordSize = int64(clustersPerRecord) * clusterSize
	} else {
		fileRecordSize = int64(1) << uint(-clustersPerRecord)
	}

	// ClustersPerIndexBuffer: positive is a literal cluster count; negative
	// encodes "2 << -n" bytes, an intentional off-by-one versus
	// ClustersPerFileRecordSegment's "1 << -n".
	clustersPerIndexBuffer := int8(b[68])
	var indexBufferSize int64
	if clustersPerIndexBuffer >= 0 {
		indexBufferSize = int64(clustersPerIndexBuffer) * clusterSize
	} else {
		indexBufferSize = int64(2) << uint(-clustersPerIndexBuffer)
	}
	if indexBufferSize == 0 {
		indexBufferSize = DefaultIndexBufferSize
	}

	return Geometry{
		SectorSize:      sectorSize,
		ClusterSize:     clusterSize,
		FileRecordSize:  fileRecordSize,
		IndexBufferSize: indexBufferSize,
	}, mftStartLcn, nil
}

// geometryShift implements SectorsPerCluster's convention: positive values
// are a literal count, negative values are a power-of-two shift (1 << -n).
// For negative n the result is base << -n.
func geometryShift(n int8, base int64) int64 {
	if n >= 0 {
		return int64(n)
	}
	return base << uint(-n)
}
