// Package transmogrify implements the IO transmogrifier (spec component
// C8): for block-structured constructs (functions, begin/end, command
// substitutions) it converts File redirections into FDDup redirections
// once per block, so every inner command shares one opened file instead
// of reopening it per iteration.
package transmogrify

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nsh-project/nsh/internal/ioredir"
)

// Opener abstracts the open(2) call so tests can substitute a fake; the
// real implementation (DefaultOpener) opens files with O_CLOEXEC set
// (close-on-exec-by-child per spec §4.7). The dup2 that installs such an
// fd into a child's target fd yields a descriptor without that flag.
type Opener func(path string, flags int, perm os.FileMode) (fd int, err error)

// unixClose is a seam for tests; production code always uses unix.Close.
var unixClose = unix.Close

// DefaultOpener opens path via unix.Open, marking the fd close-on-exec.
func DefaultOpener(path string, flags int, perm os.FileMode) (int, error) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, uint32(perm))
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// Result pairs the transmogrified chain with the bookkeeping needed to
// close what it opened.
type Result struct {
	Chain   *ioredir.Chain
	openFDs []int
}

// Transmogrify produces a fresh chain where every File entry is replaced
// by an FDDup entry carrying the fd returned by opening the file at
// transmogrify time; other modes are passed through by value (duplicated,
// not shared, so later Remove on the result does not mutate in).
func Transmogrify(in *ioredir.Chain, open Opener) (*Result, error) {
	if open == nil {
		open = DefaultOpener
	}

	out := &ioredir.Chain{}
	res := &Result{Chain: out}

	for _, e := range in.Entries() {
		switch e.Mode {
		case ioredir.File:
			fd, err := open(e.File.Path, e.File.Flags, os.FileMode(e.File.Perm))
			if err != nil {
				Untransmogrify(res)
				return nil, err
			}
			res.openFDs = append(res.openFDs, fd)
			out.Append(&ioredir.Entry{
				FD:    e.FD,
				Mode:  ioredir.FDDup,
				FDDup: &ioredir.FDDupPayload{SrcFD: fd, CloseSource: true},
			})
		case ioredir.FDDup:
			v := *e.FDDup
			out.Append(&ioredir.Entry{FD: e.FD, Mode: ioredir.FDDup, FDDup: &v})
		case ioredir.Pipe:
			v := *e.Pipe
			out.Append(&ioredir.Entry{FD: e.FD, Mode: ioredir.Pipe, Pipe: &v})
		case ioredir.Buffer:
			out.Append(&ioredir.Entry{FD: e.FD, Mode: ioredir.Buffer, Buffer: e.Buffer})
		case ioredir.Close:
			out.Append(&ioredir.Entry{FD: e.FD, Mode: ioredir.Close})
		}
	}

	return res, nil
}

// Untransmogrify closes every fd opened during the Transmogrify call that
// produced res. It is idempotent-ish in the sense that calling it twice on
// the same Result only closes fds once (the slice is cleared after use).
func Untransmogrify(res *Result) {
	for _, fd := range res.openFDs {
		_ = unixClose(fd)
	}
	res.openFDs = nil
}
