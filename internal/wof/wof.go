// Package wof reads Windows Overlay Filter compressed streams: a chunk
// offset table followed by independently compressed chunks, as stored in
// the unnamed $DATA stream of a file carrying the WOF reparse tag.
package wof

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Decompressor decompresses one WOF chunk, given its expected decompressed
// size. Implementations for LZXPRESS-Huffman, LZX, and LZNT1 all satisfy
// this signature; only LZXPRESS-Huffman is required for conformance, so a
// caller working only with resident/raw chunks may pass a Decompressor that
// simply errors on invocation.
type Decompressor func(compressed []byte, decompressedSize int) ([]byte, error)

// Stream presents a decompressed view over a WOF-compressed backing stream.
type Stream struct {
	src              io.ReaderAt
	originalSize     int64
	chunkSize        int64
	decompress       Decompressor
	entryWidth       int
	chunkCount       int
	firstChunkOffset int64
}

// NewStream builds a Stream. originalSize is the uncompressed file size
// (from the attribute's reparse-point-adjacent $DATA / WOF metadata);
// chunkSize is one of {4096, 8192, 16384, 32768} for LZXPRESS-Huffman.
func NewStream(src io.ReaderAt, originalSize, chunkSize int64, decompress Decompressor) (*Stream, error) {
	if originalSize <= 0 || chunkSize <= 0 {
		return nil, errors.New("wof: invalid stream geometry")
	}
	chunkCount := int((originalSize+chunkSize-1)/chunkSize) - 1
	entryWidth := 4
	if originalSize > (1<<32 - 1) {
		entryWidth = 8
	}
	if chunkCount < 0 {
		chunkCount = 0
	}
	return &Stream{
		src:              src,
		originalSize:     originalSize,
		chunkSize:        chunkSize,
		decompress:       decompress,
		entryWidth:       entryWidth,
		chunkCount:       chunkCount,
		firstChunkOffset: int64(chunkCount * entryWidth),
	}, nil
}

// chunkOffset returns the byte offset (relative to the first chunk) of
// chunk index idx, and the offset one past its end, by consulting the
// offset table (entry 0 is implicit at offset 0).
func (s *Stream) chunkOffset(idx int) (start, end int64, err error) {
	if idx == 0 {
		start = 0
	} else {
		buf := make([]byte, s.entryWidth)
		if _, err := s.src.ReadAt(buf, int64((idx-1)*s.entryWidth)); err != nil {
			return 0, 0, errors.Wrap(err, "wof: read chunk table entry")
		}
		start = readUint(buf)
	}
	if idx == s.chunkCount {
		end = s.lastChunkEndRelative()
	} else {
		buf := make([]byte, s.entryWidth)
		if _, err := s.src.ReadAt(buf, int64(idx*s.entryWidth)); err != nil {
			return 0, 0, errors.Wrap(err, "wof: read chunk table entry")
		}
		end = readUint(buf)
	}
	return start, end, nil
}

func (s *Stream) lastChunkEndRelative() int64 {
	// Only used when idx == chunkCount and there is no following table
	// entry to bound it; the caller must determine the compressed size
	// from the remaining source length instead. Returning -1 signals that.
	return -1
}

func readUint(b []byte) int64 {
	if len(b) == 4 {
		return int64(binary.LittleEndian.Uint32(b))
	}
	return int64(binary.LittleEndian.Uint64(b))
}

// uncompressedChunkSize returns the declared decompressed size of chunk idx:
// chunkSize for every chunk but the last, which is
// ((originalSize-1) mod chunkSize) + 1.
func (s *Stream) uncompressedChunkSize(idx int) int64 {
	if idx == s.chunkCount {
		return (s.originalSize-1)%s.chunkSize + 1
	}
	return s.chunkSize
}

// ReadChunk returns the decompressed bytes of chunk idx. A chunk whose
// on-disk compressed length equals its declared uncompressed length is
// stored verbatim; otherwise it is fed to the configured Decompressor.
func (s *Stream) ReadChunk(idx int, srcLen int64) ([]byte, error) {
	if idx < 0 || idx > s.chunkCount {
		return nil, errors.Errorf("wof: chunk index %d out of range", idx)
	}
	start, end, err := s.chunkOffset(idx)
	if err != nil {
		return nil, err
	}
	if end < 0 {
		end = srcLen - s.firstChunkOffset
	}
	compressedLen := end - start
	if compressedLen < 0 {
		return nil, errors.Errorf("wof: negative chunk length for chunk %d", idx)
	}

	buf := make([]byte, compressedLen)
	if _, err := s.src.ReadAt(buf, s.firstChunkOffset+start); err != nil {
		return nil, errors.Wrapf(err, "wof: read chunk %d", idx)
	}

	want := s.uncompressedChunkSize(idx)
	if int64(len(buf)) == want {
		return buf, nil
	}
	if s.decompress == nil {
		return nil, errors.Errorf("wof: chunk %d is compressed but no decompressor configured", idx)
	}
	out, err := s.decompress(buf, int(want))
	if err != nil {
		return nil, errors.Wrapf(err, "wof: decompress chunk %d", idx)
	}
	return out, nil
}

// ChunkCount returns the number of chunks in the stream.
func (s *Stream) ChunkCount() int { return s.chunkCount + 1 }

// ChunkSize returns the nominal (non-final) chunk size.
func (s *Stream) ChunkSize() int64 { return s.chunkSize }
