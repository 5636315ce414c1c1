// Package fixup applies and reverses the NTFS multi-sector-transfer
// protection scheme shared by MFT records and index buffers.
package fixup

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

const sectorSize = 512

// ErrBadFixup is returned when the fixup array geometry is invalid or a
// sector's end-of-sector sample does not match the stored value.
var ErrBadFixup = xerrors.New("fixup: invalid geometry or sample mismatch")

// Apply returns a copy of block with the update sequence array applied: the
// last two bytes of every 512-byte sector are validated against the stored
// sample and replaced with the corresponding replacement value. block is not
// modified.
func Apply(block []byte) ([]byte, error) {
	if len(block) < 6 {
		return nil, xerrors.Errorf("fixup: block too small (%d bytes): %w", len(block), ErrBadFixup)
	}

	f := int(binary.LittleEndian.Uint16(block[4:6]))
	n := len(block) / sectorSize

	if f%2 != 0 || f+2*(n+1) > sectorSize || n < 1 || n*sectorSize > len(block) {
		return nil, ErrBadFixup
	}

	out := make([]byte, len(block))
	copy(out, block)

	sample := out[f : f+2]
	replacements := out[f+2 : f+2+2*n]

	for i := 0; i < n; i++ {
		end := (i+1)*sectorSize - 2
		if out[end] != sample[0] || out[end+1] != sample[1] {
			return nil, xerrors.Errorf("fixup: sector %d sample mismatch: %w", i, ErrBadFixup)
		}
		out[end] = replacements[2*i]
		out[end+1] = replacements[2*i+1]
	}

	return out, nil
}

// Unapply is the inverse of Apply: it re-plants the fixup array's sample
// value over the last two bytes of every sector, moving the original bytes
// (the current replacement values) into the array. It is primarily useful
// for constructing test fixtures and for the idempotence property
// apply(unapply(x)) == x.
func Unapply(block []byte) ([]byte, error) {
	if len(block) < 6 {
		return nil, xerrors.Errorf("fixup: block too small (%d bytes): %w", len(block), ErrBadFixup)
	}

	f := int(binary.LittleEndian.Uint16(block[4:6]))
	n := len(block) / sectorSize

	if f%2 != 0 || f+2*(n+1) > sectorSize || n < 1 || n*sectorSize > len(block) {
		return nil, ErrBadFixup
	}

	out := make([]byte, len(block))
	copy(out, block)

	sample := out[f : f+2]
	for i := 0; i < n; i++ {
		end := (i+1)*sectorSize - 2
		out[f+2+2*i] = out[end]
		out[f+2+2*i+1] = out[end+1]
		out[end] = sample[0]
		out[end+1] = sample[1]
	}

	return out, nil
}

// Varint decodes a signed, little-endian, variable-width integer of the kind
// used for runlist LCN deltas: the value is sign-extended from the top bit
// of the most significant (last) byte.
func Varint(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	shift := uint(64 - 8*len(b))
	return int64(v<<shift) >> shift
}

// Uvarint decodes an unsigned, little-endian, variable-width integer of the
// kind used for runlist run lengths.
func Uvarint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
