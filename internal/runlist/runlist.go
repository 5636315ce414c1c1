// Package runlist decodes and encodes NTFS mapping pairs (runlists) and
// presents the non-contiguous, optionally sparse or compressed extent maps
// they describe as seekable byte streams.
package runlist

import (
	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/fixup"
)

// ErrBadRunlist is returned when mapping-pair bytes are truncated or
// otherwise malformed.
var ErrBadRunlist = xerrors.New("runlist: truncated or malformed mapping pairs")

// Run is one (LCN, length) extent. Sparse is true when the run has no
// backing LCN (encoded as offset-length 0 in the mapping pairs); LCN is then
// meaningless and must not be read.
type Run struct {
	LCN    int64
	Length uint64
	Sparse bool
}

// RunList is an ordered sequence of runs, interpreted relative to a
// filesystem cluster size.
type RunList []Run

// Clusters returns the total cluster count spanned by the runlist.
func (rl RunList) Clusters() uint64 {
	var n uint64
	for _, r := range rl {
		n += r.Length
	}
	return n
}

// Decode parses mapping-pair bytes into a RunList.
func Decode(b []byte) (RunList, error) {
	var rl RunList
	var lcn int64
	i := 0
	for i < len(b) {
		header := b[i]
		if header == 0 {
			return rl, nil
		}
		i++
		sl := int(header & 0x0F)
		ol := int(header >> 4)
		if i+sl > len(b) {
			return nil, ErrBadRunlist
		}
		length := fixup.Uvarint(b[i : i+sl])
		i += sl

		r := Run{Length: length}
		if ol == 0 {
			r.Sparse = true
		} else {
			if i+ol > len(b) {
				return nil, ErrBadRunlist
			}
			delta := fixup.Varint(b[i : i+ol])
			i += ol
			lcn += delta
			r.LCN = lcn
		}
		rl = append(rl, r)
	}
	// Ran off the end without a terminating zero header byte: tolerated, and
	// the runs decoded so far are returned (many on-disk records omit the
	// terminator when the attribute record ends exactly there).
	return rl, nil
}

// signedByteWidth returns the minimal number of little-endian bytes needed to
// represent a signed value, including its sign bit.
func signedByteWidth(v int64) int {
	if v == 0 {
		return 0
	}
	n := 1
	for {
		lo := int64(-1) << uint(8*n-1)
		hi := ^lo
		if v >= lo && v <= hi {
			return n
		}
		n++
	}
}

func unsignedByteWidth(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 8
	}
	return n
}

// Encode re-serializes a RunList into mapping-pair bytes, including the
// terminating zero header byte. Encode(Decode(b)) reproduces the same bytes
// the on-disk mapping pairs would for a runlist built purely from Decode's
// output (byte-identical round trip of the *semantic* runlist, per the
// round-trip testable property).
func Encode(rl RunList) []byte {
	var out []byte
	var lcn int64
	for _, r := range rl {
		sl := unsignedByteWidth(r.Length)
		var ol int
		var delta int64
		if !r.Sparse {
			delta = r.LCN - lcn
			ol = signedByteWidth(delta)
			if ol == 0 {
				ol = 1 // a zero-width offset field would mark the run sparse
			}
			lcn = r.LCN
		}
		header := byte(sl) | byte(ol)<<4
		out = append(out, header)
		out = append(out, leBytes(r.Length, sl)...)
		if ol > 0 {
			out = append(out, leSignedBytes(delta, ol)...)
		}
	}
	out = append(out, 0)
	return out
}

func leBytes(v uint64, n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func leSignedBytes(v int64, n int) []byte {
	return leBytes(uint64(v), n)
}
