package runlist

import (
	"io"

	"golang.org/x/xerrors"
)

// zeroPad is the defensive margin appended before decompression; some
// LZNT1 decoders read slightly past the logical end of a chunk's
// compressed region and this avoids turning that into an out-of-bounds
// read. It must not be trimmed from the decoder's input.
const zeroPad = 64

// Decompressor decompresses one LZNT1-compressed compression unit's
// non-sparse prefix (already zero-padded). The LZNT1
// decompressor as an external collaborator provided as a pure function;
// callers that want a working default pass internal/lznt1.Decompress (its
// signature already matches), but may substitute their own.
type Decompressor func(compressed []byte) ([]byte, error)

// ErrDecompressionFailed is returned (wrapped) when a compression unit
// cannot be decompressed, either because no decompressor was configured or
// because the configured one rejected its input.
var ErrDecompressionFailed = xerrors.New("runlist: decompression failed")

// CompressedStream presents a decompressed view over a RunList whose
// allocation is divided into fixed-size compression units.
type CompressedStream struct {
	rl           RunList
	clusterSize  int64
	src          Source
	unitClusters int64 // clusters per compression unit (1 << compressionUnit)
	size         int64
	decompress   Decompressor
	cache        map[int64][]byte // decompressed unit, keyed by unit index
}

// NewCompressedStream builds a CompressedStream. compressionUnit is the
// attribute header's compression unit exponent (commonly 4, i.e. 16
// clusters / 64 KiB units). decompress is invoked for any unit that has a
// sparse tail following a non-sparse prefix; a nil decompress makes such
// units fail with an error instead of panicking (uncompressed and
// fully-sparse units never need it).
func NewCompressedStream(src Source, clusterSize int64, rl RunList, compressionUnit uint8, size int64, decompress Decompressor) *CompressedStream {
	return &CompressedStream{
		rl:           rl,
		clusterSize:  clusterSize,
		src:          src,
		unitClusters: 1 << compressionUnit,
		size:         size,
		decompress:   decompress,
		cache:        make(map[int64][]byte),
	}
}

func (s *CompressedStream) unitSize() int64 { return s.unitClusters * s.clusterSize }

// unitRuns returns the runs (and their cluster range) covering compression
// unit index u.
func (s *CompressedStream) unitRuns(u int64) []Run {
	startCluster := u * s.unitClusters
	endCluster := startCluster + s.unitClusters
	var out []Run
	var cur int64
	for _, r := range s.rl {
		rStart := cur
		rEnd := cur + int64(r.Length)
		cur = rEnd
		if rEnd <= startCluster || rStart >= endCluster {
			continue
		}
		lo := rStart
		if lo < startCluster {
			lo = startCluster
		}
		hi := rEnd
		if hi > endCluster {
			hi = endCluster
		}
		rr := r
		rr.Length = uint64(hi - lo)
		if !r.Sparse {
			rr.LCN = r.LCN + (lo - rStart)
		}
		out = append(out, rr)
	}
	return out
}

// readUnit returns the decompressed bytes (exactly one unit's worth) of
// compression unit u.
func (s *CompressedStream) readUnit(u int64) ([]byte, error) {
	if cached, ok := s.cache[u]; ok {
		return cached, nil
	}

	runs := s.unitRuns(u)

	var nonSparse int64
	allSparse := true
	for _, r := range runs {
		if !r.Sparse {
			nonSparse += int64(r.Length) * s.clusterSize
			allSparse = false
		}
	}
	full := s.unitSize()

	var out []byte
	switch {
	case len(runs) == 0 || allSparse:
		out = make([]byte, full)
	case nonSparse == full:
		// Uncompressed unit: concatenate raw bytes from every run.
		out = make([]byte, 0, full)
		for _, r := range runs {
			buf := make([]byte, int64(r.Length)*s.clusterSize)
			if _, err := s.src.ReadAt(buf, r.LCN*s.clusterSize); err != nil && err != io.EOF {
				return nil, xerrors.Errorf("runlist: read uncompressed unit %d: %w", u, err)
			}
			out = append(out, buf...)
		}
	default:
		// Compressed unit: non-sparse prefix, fed through LZNT1 after a
		// zero-pad safety margin, truncated to one unit's size.
		var compressed []byte
		for _, r := range runs {
			if r.Sparse {
				break
			}
			buf := make([]byte, int64(r.Length)*s.clusterSize)
			if _, err := s.src.ReadAt(buf, r.LCN*s.clusterSize); err != nil && err != io.EOF {
				return nil, xerrors.Errorf("runlist: read compressed unit %d: %w", u, err)
			}
			compressed = append(compressed, buf...)
		}
		compressed = append(compressed, make([]byte, zeroPad)...)
		if s.decompress == nil {
			return nil, xerrors.Errorf("runlist: unit %d: no decompressor configured: %w", u, ErrDecompressionFailed)
		}
		decoded, err := s.decompress(compressed)
		if err != nil {
			return nil, xerrors.Errorf("runlist: decompress unit %d: %w: %v", u, ErrDecompressionFailed, err)
		}
		if int64(len(decoded)) > full {
			decoded = decoded[:full]
		} else if int64(len(decoded)) < full {
			padded := make([]byte, full)
			copy(padded, decoded)
			decoded = padded
		}
		out = decoded
	}

	s.cache[u] = out
	return out, nil
}

// ReadAt implements io.ReaderAt over the decompressed stream.
func (s *CompressedStream) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > s.size {
		p = p[:s.size-off]
	}
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		u := cur / s.unitSize()
		within := cur % s.unitSize()

		unit, err := s.readUnit(u)
		if err != nil {
			return total, err
		}
		n := copy(p[total:], unit[within:])
		total += n
		if n == 0 {
			break
		}
	}
	var err error
	if total < len(p) {
		err = io.EOF
	}
	return total, err
}
