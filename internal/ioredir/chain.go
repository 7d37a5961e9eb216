// Package ioredir implements the shell's per-process redirection chain
// (spec component C1): an ordered, singly-linked list of fd redirections
// with targeted lookup, removal, and deep-copy semantics.
package ioredir

import "fmt"

// Mode identifies the kind of redirection payload an Entry carries.
type Mode int

const (
	// Close indicates the target fd should be closed in the child.
	Close Mode = iota
	// File indicates the target fd should be opened from a path.
	File
	// FDDup indicates the target fd should be dup2'd from a source fd.
	FDDup
	// Pipe indicates the target fd is one end of a shell-created pipe.
	Pipe
	// Buffer indicates the target fd is the write end of a pipe whose
	// read end is drained into an in-memory growable buffer.
	Buffer
)

func (m Mode) String() string {
	switch m {
	case Close:
		return "close"
	case File:
		return "file"
	case FDDup:
		return "fd-dup"
	case Pipe:
		return "pipe"
	case Buffer:
		return "buffer"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// FilePayload is the mode-dependent payload for Mode == File.
type FilePayload struct {
	Path  string
	Flags int // os.O_* flags
	Perm  uint32
}

// FDDupPayload is the mode-dependent payload for Mode == FDDup.
type FDDupPayload struct {
	SrcFD       int
	CloseSource bool
}

// PipePayload is the mode-dependent payload for Mode == Pipe.
//
// ReadFD/WriteFD are the two ends of a pipe() call; exactly one of them is
// meaningful for a given target fd (the other is closed once installed).
type PipePayload struct {
	ReadFD  int
	WriteFD int
}

// BufferPayload is the mode-dependent payload for Mode == Buffer.
//
// The redirection owns WriteFD (dup'd into the child) and ReadFD (kept by
// the parent to drain into Data). Data grows as bytes are read.
type BufferPayload struct {
	ReadFD  int
	WriteFD int
	Data    []byte
}

// Entry is a single redirection targeting FD. Entries form an ordered
// singly-linked chain; later entries targeting the same FD override
// earlier ones when the chain is installed in a child.
type Entry struct {
	FD     int
	Mode   Mode
	File   *FilePayload
	FDDup  *FDDupPayload
	Pipe   *PipePayload
	Buffer *BufferPayload

	next *Entry
}

// Chain is the ordered sequence of redirections for one process/job. The
// zero value is an empty chain.
type Chain struct {
	head *Entry
	tail *Entry
}

// Append adds entry at the tail of the chain.
func (c *Chain) Append(e *Entry) {
	e.next = nil
	if c.head == nil {
		c.head = e
		c.tail = e
		return
	}
	c.tail.next = e
	c.tail = e
}

// Remove deletes the first pointer-equal occurrence of e from the chain.
// The removed entry's next pointer is zeroed so it cannot be mistaken for
// still being linked. Removing an entry not present in the chain is a
// no-op.
func (c *Chain) Remove(e *Entry) {
	if c.head == nil || e == nil {
		return
	}
	if c.head == e {
		c.head = c.head.next
		if c.head == nil {
			c.tail = nil
		}
		e.next = nil
		return
	}
	for cur := c.head; cur.next != nil; cur = cur.next {
		if cur.next == e {
			cur.next = e.next
			if c.tail == e {
				c.tail = cur
			}
			e.next = nil
			return
		}
	}
}

// Lookup returns the last entry targeting fd (later entries win), or nil
// if none target fd.
func (c *Chain) Lookup(fd int) *Entry {
	var found *Entry
	for cur := c.head; cur != nil; cur = cur.next {
		if cur.FD == fd {
			found = cur
		}
	}
	return found
}

// Entries returns the chain's entries in order, head to tail. The returned
// slice is a snapshot; mutating the chain afterwards does not affect it.
func (c *Chain) Entries() []*Entry {
	var out []*Entry
	for cur := c.head; cur != nil; cur = cur.next {
		out = append(out, cur)
	}
	return out
}

// Head returns the first entry, or nil if the chain is empty.
func (c *Chain) Head() *Entry { return c.head }

// Duplicate returns a deep copy of the chain's spine: each Entry is a new
// node (so Remove on the copy never mutates the original). File, FDDup
// and Pipe payloads are shallow-copied by value into a fresh payload
// struct per entry; the Buffer payload is not copied: the clone holds the
// same *BufferPayload pointer, so writes through either copy observe the
// same growing buffer.
func (c *Chain) Duplicate() *Chain {
	dup := &Chain{}
	for cur := c.head; cur != nil; cur = cur.next {
		clone := &Entry{FD: cur.FD, Mode: cur.Mode}
		if cur.File != nil {
			f := *cur.File
			clone.File = &f
		}
		if cur.FDDup != nil {
			f := *cur.FDDup
			clone.FDDup = &f
		}
		if cur.Pipe != nil {
			f := *cur.Pipe
			clone.Pipe = &f
		}
		if cur.Buffer != nil {
			clone.Buffer = cur.Buffer
		}
		dup.Append(clone)
	}
	return dup
}
