// Package lznt1 implements the LZNT1 decompressor used by NTFS for
// per-compression-unit stream compression.
//
// LZNT1 divides its input into variable-length chunks, each prefixed by a
// 2-byte header: bits 0-11 are (chunk size - 1), bit 12-14 are reserved
// (always 0b011), bit 15 marks the chunk compressed. An uncompressed chunk
// is a literal copy of chunk-size bytes. A compressed chunk is a sequence of
// 8-tag-bit groups: for each of the 8 bits of a tag byte (LSB first), a
// clear bit means "literal byte follows", a set bit means a 2-byte
// (displacement, length) back-reference follows, whose bit-split depends on
// how far into the chunk's *decompressed* output the tag byte's group
// starts (more decompressed bytes so far -> wider displacement, narrower
// length field).
package lznt1

import "golang.org/x/xerrors"

// ErrDecompressionFailed is returned when the input is structurally
// malformed (e.g. a back-reference points before the start of the output).
var ErrDecompressionFailed = xerrors.New("lznt1: decompression failed")

// Decompress decodes a full LZNT1 byte stream (a sequence of chunks) until
// input is exhausted or a chunk header of 0 (end marker) is seen.
func Decompress(src []byte) ([]byte, error) {
	var out []byte
	i := 0
	for i+2 <= len(src) {
		header := uint16(src[i]) | uint16(src[i+1])<<8
		i += 2
		if header == 0 {
			break
		}
		chunkSize := int(header&0x0FFF) + 1
		compressed := header&0x8000 != 0

		if i+chunkSize > len(src) {
			return nil, xerrors.Errorf("lznt1: chunk overruns input: %w", ErrDecompressionFailed)
		}
		chunk := src[i : i+chunkSize]
		i += chunkSize

		if !compressed {
			out = append(out, chunk...)
			continue
		}
		decoded, err := decompressChunk(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded...)
	}
	return out, nil
}

func decompressChunk(chunk []byte) ([]byte, error) {
	// LZNT1 chunks are self-contained: back-references never cross a chunk
	// boundary, so the dictionary is this chunk's own output so far.
	var out []byte
	i := 0
	for i < len(chunk) {
		tag := chunk[i]
		i++
		for bit := 0; bit < 8 && i < len(chunk); bit++ {
			if tag&(1<<uint(bit)) == 0 {
				out = append(out, chunk[i])
				i++
				continue
			}
			if i+2 > len(chunk) {
				return nil, xerrors.Errorf("lznt1: truncated back-reference: %w", ErrDecompressionFailed)
			}
			word := uint16(chunk[i]) | uint16(chunk[i+1])<<8
			i += 2

			dispBits := displacementBits(len(out))
			lengthBits := 16 - dispBits
			length := int(word&((1<<uint(lengthBits))-1)) + 3
			displacement := int(word>>uint(lengthBits)) + 1

			start := len(out) - displacement
			if start < 0 {
				return nil, xerrors.Errorf("lznt1: back-reference before start of output: %w", ErrDecompressionFailed)
			}
			for j := 0; j < length; j++ {
				out = append(out, out[start+j])
			}
		}
	}
	return out, nil
}

// displacementBits returns the width of the displacement field for a
// back-reference token encountered after decodedSoFar bytes have already
// been produced in the current chunk. The split widens the displacement
// field (at the expense of the length field) each time decodedSoFar crosses
// a power of two, starting at a 4-bit minimum.
func displacementBits(decodedSoFar int) int {
	bits := 0
	p := decodedSoFar - 1
	for p > 0 {
		p >>= 1
		bits++
	}
	if bits < 4 {
		bits = 4
	}
	return bits
}
