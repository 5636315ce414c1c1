// Package volsrc provides a read-only, mmap-backed io.ReaderAt over a
// volume image file, avoiding a seek+read syscall pair per access. A
// forensic parser does large numbers of small, scattered reads (MFT
// records, index buffers) for which mmap is a natural fit.
package volsrc

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// MmapReaderAt is a read-only io.ReaderAt backed by an mmap'd file.
type MmapReaderAt struct {
	data []byte
	f    *os.File
}

// Open mmaps path read-only and returns a reader over its full contents.
// Close must be called to release the mapping.
func Open(path string) (*MmapReaderAt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("volsrc: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("volsrc: stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		return &MmapReaderAt{f: f}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("volsrc: mmap %s: %w", path, err)
	}
	return &MmapReaderAt{data: data, f: f}, nil
}

// ReadAt implements io.ReaderAt over the mapped region.
func (m *MmapReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, xerrors.New("volsrc: offset out of range")
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, xerrors.New("volsrc: short read at EOF")
	}
	return n, nil
}

// Close unmaps the region and closes the backing file.
func (m *MmapReaderAt) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
