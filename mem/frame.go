// Package mem implements the physical frame allocator: it hands out
// and reclaims 4 KiB physical frames from a contiguous region with a
// recycled-stack-plus-bump-pointer policy.
//
// Because this kernel has no real board to back it, Allocator also
// owns the byte arena that stands in for physical RAM; PageBytes maps
// a frame number into a direct-mapped slice of it.
package mem

import (
	"sync"

	"rvcore/arch"
	"rvcore/defs"
)

// Allocator manages the frame range [start, end) and the byte arena that
// backs it. The free list is a stack of recycled frame numbers; a bump
// pointer (next) supplies frames that have never been touched. Recycled
// frames win over never-touched ones.
type Allocator struct {
	mu sync.Mutex

	start arch.Ppn
	end   arch.Ppn
	next  arch.Ppn
	free  []arch.Ppn

	ram []byte // stand-in for physical RAM, indexed by (ppn-start)*PGSIZE
}

// NewAllocator creates an allocator owning the frame range [start, end).
func NewAllocator(start, end arch.Ppn) *Allocator {
	if end <= start {
		panic("mem: empty frame range")
	}
	n := int(end - start)
	return &Allocator{
		start: start,
		end:   end,
		next:  start,
		ram:   make([]byte, n*arch.PGSIZE),
	}
}

// Frame is an exclusively-owned physical frame. Its zero value is not
// valid; only Allocator.Alloc produces one. Dealloc must be called
// exactly once to return the frame to its allocator — a frame lives in
// at most one of the free stack, a live tracker, or a page-table node
// set.
type Frame struct {
	a    *Allocator
	ppn  arch.Ppn
	live bool
}

// Ppn returns the frame number this tracker owns.
func (f *Frame) Ppn() arch.Ppn { return f.ppn }

// Pa returns the base physical address of this frame.
func (f *Frame) Pa() arch.Pa { return arch.PpnToPa(f.ppn) }

// Bytes returns the PGSIZE-byte slice of simulated RAM this frame owns.
func (f *Frame) Bytes() []byte {
	return f.a.PageBytes(f.ppn)
}

// Dealloc returns the frame to the free list. Panics if called twice on
// the same tracker (the "no double-free" invariant made loud rather than
// silently corrupting the free list).
func (f *Frame) Dealloc() {
	if !f.live {
		panic("mem: double free of frame")
	}
	f.live = false
	f.a.dealloc(f.ppn)
}

// PageBytes returns the PGSIZE-byte slice of simulated RAM backing ppn.
// Used directly by code (like the kernel's direct map) that already
// knows a frame number is valid without holding a Frame tracker for
// it.
func (a *Allocator) PageBytes(ppn arch.Ppn) []byte {
	if ppn < a.start || ppn >= a.end {
		panic("mem: ppn out of range")
	}
	off := int(ppn-a.start) * arch.PGSIZE
	return a.ram[off : off+arch.PGSIZE]
}

// Alloc hands out a zeroed frame, preferring the recycled stack over the
// bump pointer. Fails with ENOMEM if the region is exhausted.
func (a *Allocator) Alloc() (*Frame, defs.Err_t) {
	a.mu.Lock()
	var ppn arch.Ppn
	ok := false
	if n := len(a.free); n > 0 {
		ppn = a.free[n-1]
		a.free = a.free[:n-1]
		ok = true
	} else if a.next < a.end {
		ppn = a.next
		a.next++
		ok = true
	}
	a.mu.Unlock()
	if !ok {
		return nil, defs.ENOMEM
	}
	f := &Frame{a: a, ppn: ppn, live: true}
	clear(f.Bytes())
	return f, defs.ENONE
}

func (a *Allocator) dealloc(ppn arch.Ppn) {
	a.mu.Lock()
	a.free = append(a.free, ppn)
	a.mu.Unlock()
}

// Free reports the number of frames still available (recycled plus
// never-touched), for tests and diagnostics.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free) + int(a.end-a.next)
}
