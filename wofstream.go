package ntfs

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/wof"
)

// WOF provider algorithm identifiers, from FILE_PROVIDER_EXTERNAL_INFO_V1's
// Algorithm field (its second 4-byte field, at reparse payload bytes 12:16,
// after WOF_EXTERNAL_INFO's Version/Provider pair and the provider Version).
const (
	WOFAlgorithmXPRESS4K  uint32 = 0
	WOFAlgorithmLZX       uint32 = 1
	WOFAlgorithmXPRESS8K  uint32 = 2
	WOFAlgorithmXPRESS16K uint32 = 3
	WOFAlgorithmXPRESS32K uint32 = 4
)

// wofChunkSize returns the chunk size for the LZXPRESS-Huffman algorithm
// variants; ok is false for LZX, which this package does not attempt to
// decompress (only the chunk-table plumbing around it is in scope).
func wofChunkSize(algorithm uint32) (size int64, ok bool) {
	switch algorithm {
	case WOFAlgorithmXPRESS4K:
		return 4096, true
	case WOFAlgorithmXPRESS8K:
		return 8192, true
	case WOFAlgorithmXPRESS16K:
		return 16384, true
	case WOFAlgorithmXPRESS32K:
		return 32768, true
	default:
		return 0, false
	}
}

// OpenWOF reconstructs a WOF-compressed file's content: the record must
// carry the WOF reparse tag, and its "WofCompressedData" named stream holds
// the chunk table plus chunks. decompress handles one
// LZXPRESS-Huffman chunk at a time; see internal/wof.Decompressor.
func (r *Record) OpenWOF(decompress wof.Decompressor) (io.ReaderAt, int64, error) {
	tag, ok, err := r.ReparseTag()
	if err != nil {
		return nil, 0, err
	}
	if !ok || tag != ReparseTagWOF {
		return nil, 0, xerrors.Errorf("record %#x: not a WOF-compressed file: %w", r.Segment, ErrNoSuchStream)
	}

	rp, err := r.find("", AttrTypeReparsePoint)
	if err != nil {
		return nil, 0, err
	}
	reparse, err := DecodeReparsePoint(rp[0].Value())
	if err != nil {
		return nil, 0, err
	}
	if len(reparse.Payload) < 16 {
		return nil, 0, xerrors.New("wof: reparse payload too short for WOF_EXTERNAL_INFO")
	}
	algorithm := binary.LittleEndian.Uint32(reparse.Payload[12:16])
	chunkSize, ok := wofChunkSize(algorithm)
	if !ok {
		return nil, 0, xerrors.Errorf("wof: algorithm %d is not LZXPRESS-Huffman, unsupported for conformance", algorithm)
	}

	originalSize, err := r.Size("", AttrTypeData, false)
	if err != nil {
		return nil, 0, err
	}

	backing, backingSize, err := r.Open("WofCompressedData", AttrTypeData, false)
	if err != nil {
		return nil, 0, err
	}

	ws, err := wof.NewStream(backing, originalSize, chunkSize, decompress)
	if err != nil {
		return nil, 0, err
	}
	return &wofReaderAt{stream: ws, chunkSize: chunkSize, backingSize: backingSize, size: originalSize}, originalSize, nil
}

// wofReaderAt adapts wof.Stream's per-chunk ReadChunk to a flat io.ReaderAt
// over the reconstructed, decompressed file content.
type wofReaderAt struct {
	stream      *wof.Stream
	chunkSize   int64
	backingSize int64
	size        int64
}

func (w *wofReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= w.size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > w.size {
		p = p[:w.size-off]
	}
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		idx := int(cur / w.chunkSize)
		within := cur % w.chunkSize

		chunk, err := w.stream.ReadChunk(idx, w.backingSize)
		if err != nil {
			return total, err
		}
		n := copy(p[total:], chunk[within:])
		total += n
		if n == 0 {
			break
		}
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}
