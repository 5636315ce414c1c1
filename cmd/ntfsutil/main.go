// Command ntfsutil inspects an NTFS volume image read-only: listing
// directories, dumping file contents, printing record metadata, and
// replaying the USN change journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/trace"
	"strconv"

	internaltrace "github.com/distr1/ntfs/internal/trace"
	"github.com/distr1/ntfs/internal/volsrc"

	"github.com/distr1/ntfs"
	"golang.org/x/xerrors"
)

var (
	debug      = flag.Bool("debug", false, "format error messages with additional detail")
	tracefile  = flag.String("tracefile", "", "path to store a runtime/trace profile at")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
	upcase     = flag.Bool("upcase", false, "load $UpCase for exact FILE_NAME collation")
)

type cmd struct {
	fn func(ctx context.Context, vol *ntfs.Volume, args []string) error
}

var verbs = map[string]cmd{
	"ls":   {cmdLs},
	"cat":  {cmdCat},
	"info": {cmdInfo},
	"usn":  {cmdUsn},
	"sd":   {cmdSd},
	"scan": {cmdScan},
}

// openVolume mmaps path and registers its unmapping via ntfs.RegisterAtExit
// rather than a plain defer, so the mmap is released through the same
// at-exit queue funcmain drains with ntfs.RunAtExit (deferred, so on every
// exit path from funcmain).
func openVolume(path string) (*ntfs.Volume, error) {
	src, err := volsrc.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("ntfsutil: %w", err)
	}
	ntfs.RegisterAtExit(src.Close)
	var opts []ntfs.OpenOption
	if *upcase {
		opts = append(opts, ntfs.WithUpCase())
	}
	vol, err := ntfs.Open(src, opts...)
	if err != nil {
		return nil, xerrors.Errorf("ntfsutil: %w", err)
	}
	return vol, nil
}

func cmdLs(ctx context.Context, vol *ntfs.Volume, args []string) error {
	path := `\`
	if len(args) > 0 {
		path = args[0]
	}
	rec, err := vol.Mft.GetPath(path)
	if err != nil {
		return xerrors.Errorf("ls %s: %w", path, err)
	}
	entries, err := rec.Iterdir(false, true)
	if err != nil {
		return xerrors.Errorf("ls %s: %w", path, err)
	}
	for _, e := range entries {
		fmt.Printf("%12d  %s\n", e.FileName.RealSize, e.Name)
	}
	return nil
}

func cmdCat(ctx context.Context, vol *ntfs.Volume, args []string) error {
	if len(args) < 1 {
		return xerrors.New("usage: ntfsutil cat <path>")
	}
	rec, err := vol.Mft.GetPath(args[0])
	if err != nil {
		return xerrors.Errorf("cat %s: %w", args[0], err)
	}
	r, size, err := rec.OpenData()
	if err != nil {
		return xerrors.Errorf("cat %s: %w", args[0], err)
	}
	_, err = io.Copy(os.Stdout, io.NewSectionReader(r, 0, size))
	return err
}

func cmdInfo(ctx context.Context, vol *ntfs.Volume, args []string) error {
	if len(args) < 1 {
		return xerrors.New("usage: ntfsutil info <path>")
	}
	rec, err := vol.Mft.GetPath(args[0])
	if err != nil {
		return xerrors.Errorf("info %s: %w", args[0], err)
	}
	si, err := rec.StandardInformation()
	if err != nil {
		return xerrors.Errorf("info %s: %w", args[0], err)
	}
	fmt.Printf("segment:     %s\n", rec.Reference())
	fmt.Printf("directory:   %v\n", rec.IsDir())
	fmt.Printf("attributes:  %#x\n", si.FileAttributes)
	fmt.Printf("security id: %d\n", si.SecurityID)
	fmt.Printf("created:     %d ns\n", ntfs.FiletimeToUnixNano(si.CreationTime))
	fmt.Printf("modified:    %d ns\n", ntfs.FiletimeToUnixNano(si.ModificationTime))
	return nil
}

func cmdUsn(ctx context.Context, vol *ntfs.Volume, args []string) error {
	j := vol.UsnJrnl()
	if j == nil {
		return xerrors.New("usn: $UsnJrnl unavailable on this volume")
	}
	records, err := j.Records()
	if err != nil {
		return xerrors.Errorf("usn: %w", err)
	}
	for _, r := range records {
		fmt.Printf("%d %s %#x %s\n", r.USN, r.FileReference, r.Reason, r.FullPath(vol.Mft))
	}
	return nil
}

func cmdSd(ctx context.Context, vol *ntfs.Volume, args []string) error {
	if len(args) < 1 {
		return xerrors.New("usage: ntfsutil sd <security-id>")
	}
	id, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return xerrors.Errorf("sd: %w", err)
	}
	sec := vol.Secure()
	if sec == nil {
		return xerrors.New("sd: $Secure unavailable on this volume")
	}
	descr, err := sec.Lookup(uint32(id))
	if err != nil {
		return xerrors.Errorf("sd: %w", err)
	}
	if descr.Owner != nil {
		fmt.Printf("owner: %s\n", descr.Owner)
	}
	if descr.Group != nil {
		fmt.Printf("group: %s\n", descr.Group)
	}
	if descr.Dacl != nil {
		for _, ace := range descr.Dacl.ACEs {
			fmt.Printf("dacl: type=%d flags=%#x\n", ace.Type, ace.Flags)
		}
	}
	return nil
}

// cmdScan walks every $MFT record segment, a full-volume operation slow
// enough on a large image that Ctrl-C should actually stop it: ctx (wired
// from InterruptibleContext in funcmain) is honored by Mft.Segments itself.
func cmdScan(ctx context.Context, vol *ntfs.Volume, args []string) error {
	recs, err := vol.Mft.Segments(ctx)
	if err != nil {
		fmt.Printf("scan: interrupted after %d segments: %v\n", len(recs), err)
		return nil
	}
	var segments []uint64
	for _, r := range recs {
		if r.IsDir() {
			continue
		}
		segments = append(segments, r.Reference().Segment)
	}
	// Re-dereference the non-directory segments concurrently, honoring the
	// same ctx, to exercise Prefetch's own cancellation path.
	if _, err := vol.Mft.Prefetch(ctx, segments); err != nil {
		fmt.Printf("scan: prefetch interrupted: %v\n", err)
		return nil
	}
	fmt.Printf("%d segments, %d files\n", len(recs), len(segments))
	return nil
}

func funcmain() (err error) {
	flag.Parse()

	if *tracefile != "" {
		f, err := os.Create(*tracefile)
		if err != nil {
			return err
		}
		trace.Start(f)
		defer trace.Stop()
	}
	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		internaltrace.Sink(f)
		// Flush by closing the file once the run completes, through the same
		// at-exit queue as the volume's mmap unmapping below: both are real
		// cleanup RunAtExit performs, not a no-op over an empty list.
		ntfs.RegisterAtExit(f.Close)
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "syntax: ntfsutil [-flags] <image> <command> [args]\n")
		fmt.Fprintf(os.Stderr, "commands: ls, cat, info, usn, sd, scan\n")
		os.Exit(2)
	}
	image, verb, rest := args[0], args[1], args[2:]

	v, ok := verbs[verb]
	if !ok {
		return xerrors.Errorf("unknown command %q", verb)
	}

	vol, verr := openVolume(image)
	if verr != nil {
		return verr
	}
	// Run at-exit cleanup (unmap the volume, close the trace file) on every
	// path out of here, not just the success return below: a verb error
	// should still release the mmap rather than leaking it until process
	// exit. A cleanup failure only surfaces if the verb itself succeeded,
	// since the verb's own error is the more useful of the two.
	defer func() {
		if cerr := ntfs.RunAtExit(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, canc := ntfs.InterruptibleContext()
	defer canc()

	if ferr := v.fn(ctx, vol, rest); ferr != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, ferr)
		}
		return fmt.Errorf("%s: %v", verb, ferr)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
