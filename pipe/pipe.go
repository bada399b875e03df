// Package pipe implements a fixed-capacity ring buffer with blocking
// read/write and EOF-on-writer-close semantics. A blocked end releases
// the ring's lock before giving up the CPU: under the scheduler that is
// a real suspend-and-requeue, so the peer end can run and make
// progress; on a bare goroutine (package tests) it degrades to a
// Gosched spin.
package pipe

import (
	"runtime"
	"sync"

	"rvcore/defs"
	"rvcore/sched"
	"rvcore/vmm"
)

// Capacity is the pipe ring's fixed size.
const Capacity = 32

type status int

const (
	statusEmpty status = iota
	statusNormal
	statusFull
)

// ring is the shared buffer behind both ends of a pipe.
type ring struct {
	mu         sync.Mutex
	buf        [Capacity]byte
	head, tail int
	status     status
	writerLive bool // weak reference to the write end, modeled as a flag
	writerRefs int32
}

// ReadEnd and WriteEnd are the two capabilities make_pipe returns,
// satisfying fd.File via Read/Write/Readable/Writable. WriteEnd also
// satisfies fd.RefCounted: dup and fork can both hand out further
// references to the same write end, and the ring's writer-liveness must
// only drop once every one of them is gone.
type ReadEnd struct{ r *ring }
type WriteEnd struct{ r *ring }

// Make returns (read-end, write-end) sharing one ring. The write end
// starts with a single reference.
func Make() (*ReadEnd, *WriteEnd) {
	r := &ring{status: statusEmpty, writerLive: true, writerRefs: 1}
	return &ReadEnd{r: r}, &WriteEnd{r: r}
}

func (*ReadEnd) Readable() bool  { return true }
func (*ReadEnd) Writable() bool  { return false }
func (*WriteEnd) Readable() bool { return false }
func (*WriteEnd) Writable() bool { return true }

// Retain adds a reference to the write end, called whenever a descriptor
// table gains another slot pointing at it (dup, or fork's Table.Clone).
func (w *WriteEnd) Retain() {
	w.r.mu.Lock()
	w.r.writerRefs++
	w.r.mu.Unlock()
}

// Release drops a reference to the write end, dropping the ring's
// writer-liveness once the last one is gone so a blocked reader's next
// poll sees EOF.
func (w *WriteEnd) Release() {
	w.r.mu.Lock()
	w.r.writerRefs--
	if w.r.writerRefs == 0 {
		w.r.writerLive = false
	}
	w.r.mu.Unlock()
}

// yieldCPU gives up the processor without holding the ring's lock.
// Inside a scheduled task this requeues the task so the peer end can
// run; outside one (tests driving a bare goroutine) it spins politely.
func yieldCPU() {
	if cur := sched.Current(); cur != nil {
		sched.SuspendCurrentAndRunNext(cur)
		return
	}
	runtime.Gosched()
}

// spaceLocked returns how many free bytes the ring has. Caller holds
// r.mu.
func (r *ring) spaceLocked() int {
	switch r.status {
	case statusEmpty:
		return Capacity
	case statusFull:
		return 0
	default:
		if r.tail > r.head {
			return Capacity - (r.tail - r.head)
		}
		return r.head - r.tail
	}
}

func (r *ring) availableLocked() int {
	return Capacity - r.spaceLocked()
}

// read copies up to buf's length from the ring into buf, yielding while
// empty and the writer is still live; returns the number of bytes
// copied, 0 at EOF.
func (r *ring) read(buf *vmm.UserBuffer) (int, defs.Err_t) {
	n := 0
	for _, chunk := range buf.Chunks() {
		for len(chunk) > 0 {
			r.mu.Lock()
			if r.status == statusEmpty {
				if !r.writerLive {
					r.mu.Unlock()
					return n, defs.ENONE
				}
				r.mu.Unlock()
				yieldCPU()
				continue
			}
			take := r.availableLocked()
			if take > len(chunk) {
				take = len(chunk)
			}
			for i := 0; i < take; i++ {
				chunk[i] = r.buf[r.head]
				r.head = (r.head + 1) % Capacity
			}
			r.status = statusNormal
			if r.head == r.tail {
				r.status = statusEmpty
			}
			r.mu.Unlock()
			n += take
			chunk = chunk[take:]
		}
	}
	return n, defs.ENONE
}

// write copies buf into the ring, yielding while full, and returns the
// number of bytes written.
func (r *ring) write(buf *vmm.UserBuffer) (int, defs.Err_t) {
	n := 0
	for _, chunk := range buf.Chunks() {
		for len(chunk) > 0 {
			r.mu.Lock()
			if r.status == statusFull {
				r.mu.Unlock()
				yieldCPU()
				continue
			}
			put := r.spaceLocked()
			if put > len(chunk) {
				put = len(chunk)
			}
			for i := 0; i < put; i++ {
				r.buf[r.tail] = chunk[i]
				r.tail = (r.tail + 1) % Capacity
			}
			r.status = statusNormal
			if r.tail == r.head {
				r.status = statusFull
			}
			r.mu.Unlock()
			n += put
			chunk = chunk[put:]
		}
	}
	return n, defs.ENONE
}

func (e *ReadEnd) Read(buf *vmm.UserBuffer) (int, defs.Err_t) { return e.r.read(buf) }
func (*ReadEnd) Write(*vmm.UserBuffer) (int, defs.Err_t)      { return 0, defs.EUNWRITABLE }

func (*WriteEnd) Read(*vmm.UserBuffer) (int, defs.Err_t)        { return 0, defs.EUNREADABLE }
func (e *WriteEnd) Write(buf *vmm.UserBuffer) (int, defs.Err_t) { return e.r.write(buf) }
