package transmogrify

import (
	"os"
	"testing"

	"github.com/nsh-project/nsh/internal/ioredir"
)

func fakeOpener(nextFD *int, opened *[]string) Opener {
	return func(path string, flags int, perm os.FileMode) (int, error) {
		*opened = append(*opened, path)
		fd := *nextFD
		*nextFD++
		return fd, nil
	}
}

func TestTransmogrifyReplacesFileWithFDDup(t *testing.T) {
	in := &ioredir.Chain{}
	in.Append(&ioredir.Entry{FD: 1, Mode: ioredir.File, File: &ioredir.FilePayload{Path: "/tmp/out.log"}})
	in.Append(&ioredir.Entry{FD: 3, Mode: ioredir.FDDup, FDDup: &ioredir.FDDupPayload{SrcFD: 1}})

	nextFD := 100
	var opened []string
	res, err := Transmogrify(in, fakeOpener(&nextFD, &opened))
	if err != nil {
		t.Fatalf("Transmogrify: %v", err)
	}

	entries := res.Chain.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Mode != ioredir.FDDup || entries[0].FDDup.SrcFD != 100 {
		t.Fatalf("expected fd 1 replaced with fd-dup of 100, got %+v", entries[0])
	}
	if opened[0] != "/tmp/out.log" {
		t.Fatalf("expected the file to be opened once, opened=%v", opened)
	}

	var closed []int
	origClose := unixClose
	unixClose = func(fd int) error { closed = append(closed, fd); return nil }
	defer func() { unixClose = origClose }()

	Untransmogrify(res)
	if len(closed) != 1 || closed[0] != 100 {
		t.Fatalf("expected fd 100 closed, got %v", closed)
	}
	if res.openFDs != nil {
		t.Fatalf("expected openFDs cleared after Untransmogrify")
	}
}
