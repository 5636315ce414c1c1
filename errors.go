package ntfs

import (
	"golang.org/x/xerrors"

	"github.com/distr1/ntfs/internal/runlist"
)

// Sentinel errors, usable with errors.Is, matching the taxonomy every
// operation in this package is specified against.
var (
	ErrBadVolume         = xerrors.New("ntfs: invalid boot sector")
	ErrBadMft            = xerrors.New("ntfs: invalid MFT record")
	ErrBadFixup          = xerrors.New("ntfs: fixup geometry invalid or sample mismatch")
	ErrBadIndex          = xerrors.New("ntfs: missing INDX magic or malformed index node")
	ErrBadRunlist        = xerrors.New("ntfs: truncated mapping pairs")
	ErrNoSuchStream      = xerrors.New("ntfs: no such stream")
	ErrNotFound          = xerrors.New("ntfs: not found")
	ErrNotADirectory     = xerrors.New("ntfs: not a directory")
	ErrIsADirectory      = xerrors.New("ntfs: is a directory")
	ErrMftUnavailable    = xerrors.New("ntfs: MFT not available")
	ErrVolumeUnavailable = xerrors.New("ntfs: volume not available")
	ErrNoCollation       = xerrors.New("ntfs: no comparator for this index's collation rule")
	ErrUnsupportedUsn    = xerrors.New("ntfs: unsupported USN record version")
	ErrResident          = xerrors.New("ntfs: operation requires a non-resident attribute")
)

// ErrDecompressionFailed is the same sentinel internal/runlist's
// CompressedStream wraps: it is re-exported here so callers of Record.Open
// (which surfaces reads through that stream) can check errors.Is against
// the ntfs package alone.
var ErrDecompressionFailed = runlist.ErrDecompressionFailed

// PathError records an operation that failed while resolving a path.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }

// NotFoundError records a failed lookup of a named key (index key, security
// ID, segment number) with the key formatted for diagnostics.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string { return "ntfs: " + e.Kind + " not found: " + e.Key }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }
