package runlist

import (
	"io"

	"golang.org/x/xerrors"
)

// Source is the minimal read-only byte source a Stream reads clusters from:
// typically the volume's io.ReaderAt, but tests substitute an in-memory
// implementation. Streams do the LCN-to-byte-offset scaling themselves.
type Source interface {
	// ReadAt reads exactly len(p) bytes starting at absolute byte offset
	// off (lcn*clusterSize plus the offset within the run), short of EOF.
	ReadAt(p []byte, off int64) (int, error)
}

// Stream presents a seekable, read-only view over a RunList.
type Stream struct {
	rl          RunList
	clusterSize int64
	src         Source
	size        int64 // real size in bytes
	allocated   int64 // allocated size in bytes (== rl.Clusters()*clusterSize, normally)
	useAllocated bool
	off         int64
}

// NewStream builds a Stream over rl. size is the stream's declared real
// size; allocated is the declared allocated length. When useAllocated is
// true, reads are bounded by allocated instead of size (the "allocated
// mode" reads against allocated length instead of real size).
func NewStream(src Source, clusterSize int64, rl RunList, size, allocated int64, useAllocated bool) *Stream {
	return &Stream{rl: rl, clusterSize: clusterSize, src: src, size: size, allocated: allocated, useAllocated: useAllocated}
}

func (s *Stream) bound() int64 {
	if s.useAllocated {
		return s.allocated
	}
	return s.size
}

// Size returns the stream's effective size given its allocated-mode setting.
func (s *Stream) Size() int64 { return s.bound() }

func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.off + offset
	case io.SeekEnd:
		abs = s.bound() + offset
	default:
		return 0, xerrors.New("runlist: invalid whence")
	}
	if abs < 0 {
		return 0, xerrors.New("runlist: negative seek position")
	}
	s.off = abs
	return abs, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.off)
	s.off += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt. Reads past the declared size are truncated;
// reads at or past size return (0, io.EOF).
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	bound := s.bound()
	if off >= bound {
		return 0, io.EOF
	}
	if off+int64(len(p)) > bound {
		p = p[:bound-off]
	}
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		n, err := s.readAtRun(p[total:], off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
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

// readAtRun reads from the single run covering byte offset off, up to the
// end of that run (callers loop across run boundaries).
func (s *Stream) readAtRun(p []byte, off int64) (int, error) {
	clusterOff := off / s.clusterSize
	withinCluster := off % s.clusterSize

	var cur uint64
	for _, r := range s.rl {
		runStart := cur
		runEnd := cur + r.Length
		if uint64(clusterOff) >= runStart && uint64(clusterOff) < runEnd {
			runRemainingClusters := runEnd - uint64(clusterOff)
			runRemainingBytes := int64(runRemainingClusters)*s.clusterSize - withinCluster
			n := int64(len(p))
			if n > runRemainingBytes {
				n = runRemainingBytes
			}
			if r.Sparse {
				for i := int64(0); i < n; i++ {
					p[i] = 0
				}
				return int(n), nil
			}
			byteLCN := r.LCN*s.clusterSize + (int64(clusterOff)-int64(runStart))*s.clusterSize + withinCluster
			got, err := s.src.ReadAt(p[:n], byteLCN)
			return got, err
		}
		cur = runEnd
	}
	return 0, io.EOF
}
