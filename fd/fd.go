// Package fd implements the polymorphic open-file capability and the
// per-process descriptor table: a small interface of
// Readable/Writable/Read/Write wrapping whatever backs the descriptor,
// with four concrete variants (Stdin, Stdout, InodeFile, PipeEnd).
package fd

import (
	"sync"

	"rvcore/console"
	"rvcore/defs"
	"rvcore/fs"
	"rvcore/vmm"
)

// File is the open-file capability.
type File interface {
	Readable() bool
	Writable() bool
	Read(buf *vmm.UserBuffer) (int, defs.Err_t)
	Write(buf *vmm.UserBuffer) (int, defs.Err_t)
}

// RefCounted is implemented by File variants whose underlying resource
// is shared across more than one descriptor-table slot — directly via
// dup, or across processes via fork's fd.Table.Clone — and that need to
// know when the LAST such slot goes away rather than the first — a
// pipe write end's ring only loses its writer once every dup'd or
// forked reference to it is gone. Table.Dup and Table.Clone call Retain,
// and Table.Close and Table.CloseAll call Release, on any File that
// implements it (Table.Alloc installs the caller's own reference and
// retains nothing); every other
// variant (Stdin, Stdout, InodeFile) needs no such bookkeeping.
type RefCounted interface {
	File
	Retain()
	Release()
}

func retain(f File) {
	if rc, ok := f.(RefCounted); ok {
		rc.Retain()
	}
}

func release(f File) {
	if rc, ok := f.(RefCounted); ok {
		rc.Release()
	}
}

// Stdin reads from the console, one byte at a time, blocking until a
// byte is available.
type Stdin struct{}

func (Stdin) Readable() bool { return true }
func (Stdin) Writable() bool { return false }

func (Stdin) Read(buf *vmm.UserBuffer) (int, defs.Err_t) {
	n := 0
	for _, chunk := range buf.Chunks() {
		for i := range chunk {
			chunk[i] = console.GetCharBlocking()
			n++
		}
	}
	return n, defs.ENONE
}

func (Stdin) Write(*vmm.UserBuffer) (int, defs.Err_t) {
	return 0, defs.EUNWRITABLE
}

// Stdout writes to the console; put is non-blocking.
type Stdout struct{}

func (Stdout) Readable() bool { return false }
func (Stdout) Writable() bool { return true }

func (Stdout) Read(*vmm.UserBuffer) (int, defs.Err_t) {
	return 0, defs.EUNREADABLE
}

func (Stdout) Write(buf *vmm.UserBuffer) (int, defs.Err_t) {
	n := 0
	for _, chunk := range buf.Chunks() {
		for _, b := range chunk {
			console.PutChar(b)
			n++
		}
	}
	return n, defs.ENONE
}

// InodeFile is an inode-backed file with a per-descriptor cursor.
type InodeFile struct {
	mu     sync.Mutex
	ino    *fs.Inode
	flags  defs.OpenFlag
	cursor uint32
}

// NewInodeFile wraps ino as an open file honoring flags (O_TRUNC
// clears the inode's contents immediately, matching the open-time
// truncation every Unix-alike performs).
func NewInodeFile(ino *fs.Inode, flags defs.OpenFlag) *InodeFile {
	if flags&defs.O_TRUNC != 0 {
		ino.Clear()
	}
	return &InodeFile{ino: ino, flags: flags}
}

func (f *InodeFile) Readable() bool { return f.flags.Readable() }
func (f *InodeFile) Writable() bool { return f.flags.Writable() }

func (f *InodeFile) Read(buf *vmm.UserBuffer) (int, defs.Err_t) {
	if !f.Readable() {
		return 0, defs.EUNREADABLE
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, chunk := range buf.Chunks() {
		got := f.ino.ReadAt(chunk, f.cursor)
		n += got
		f.cursor += uint32(got)
		if got < len(chunk) {
			break
		}
	}
	return n, defs.ENONE
}

func (f *InodeFile) Write(buf *vmm.UserBuffer) (int, defs.Err_t) {
	if !f.Writable() {
		return 0, defs.EUNWRITABLE
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, chunk := range buf.Chunks() {
		wrote, err := f.ino.WriteAt(chunk, f.cursor)
		n += wrote
		f.cursor += uint32(wrote)
		if err != defs.ENONE {
			return n, err
		}
	}
	return n, defs.ENONE
}

// Table is a process's open-file descriptor table. Slots 0, 1, 2 are
// pre-populated with Stdin, Stdout, Stdout at construction.
type Table struct {
	mu    sync.Mutex
	slots []File
}

// NewTable builds a fresh table with the standard three descriptors
// already populated.
func NewTable() *Table {
	return &Table{slots: []File{Stdin{}, Stdout{}, Stdout{}}}
}

// Get returns the file at fd, or nil if fd is out of range or empty.
func (t *Table) Get(fd int) File {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return t.slots[fd]
}

// Alloc returns the lowest empty slot, growing the table if necessary.
func (t *Table) Alloc(f File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = f
			return i
		}
	}
	t.slots = append(t.slots, f)
	return len(t.slots) - 1
}

// Close clears fd's slot and releases any refcounted resource it
// held. Returns EBADFD if
// fd was already empty or out of range.
func (t *Table) Close(fd int) defs.Err_t {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		t.mu.Unlock()
		return defs.EBADFD
	}
	f := t.slots[fd]
	t.slots[fd] = nil
	t.mu.Unlock()
	release(f)
	return defs.ENONE
}

// CloseAll releases every occupied slot, the way process exit
// implicitly drops every file descriptor a real process held — a
// pipe's writer-liveness must drop when its owning process exits, not
// only on an explicit close syscall.
func (t *Table) CloseAll() {
	t.mu.Lock()
	slots := t.slots
	t.slots = nil
	t.mu.Unlock()
	for _, f := range slots {
		if f != nil {
			release(f)
		}
	}
}

// Dup installs a second reference to fd's file at a freshly allocated
// slot, or EBADFD if fd is empty.
func (t *Table) Dup(fd int) (int, defs.Err_t) {
	t.mu.Lock()
	f := t.Get0(fd)
	t.mu.Unlock()
	if f == nil {
		return -1, defs.EBADFD
	}
	retain(f)
	return t.Alloc(f), defs.ENONE
}

// Get0 is Get without its own locking, for callers (like Dup) that
// already hold t.mu.
func (t *Table) Get0(fd int) File {
	if fd < 0 || fd >= len(t.slots) {
		return nil
	}
	return t.slots[fd]
}

// Clone produces a new table sharing this table's File references (no
// deep copy). Every refcounted entry gains one reference for the
// child's copy.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]File, len(t.slots))
	copy(cp, t.slots)
	for _, f := range cp {
		if f != nil {
			retain(f)
		}
	}
	return &Table{slots: cp}
}
