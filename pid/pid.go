// Package pid implements the PID allocator and kernel-stack placement:
// a free-list-first, bump-pointer-fallback allocator guarding a shared
// counter, and a Framed kernel stack region mapped high in kernel
// space with a one-page guard below it. Alloc returns a handle whose
// Release recycles the id.
package pid

import (
	"sync"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/mem"
	"rvcore/vmm"
)

// KernelStackSize is the fixed per-process kernel stack size.
const KernelStackSize = 2 * arch.PGSIZE

type allocator struct {
	mu       sync.Mutex
	recycled []defs.Pid_t
	next     defs.Pid_t
}

var global = &allocator{next: 1}

// Handle owns one allocated PID; Release returns it to the recycled
// pool.
type Handle struct {
	pid      defs.Pid_t
	released bool
}

// Alloc returns a fresh PID, preferring a recycled one.
func Alloc() *Handle {
	global.mu.Lock()
	defer global.mu.Unlock()
	if n := len(global.recycled); n > 0 {
		p := global.recycled[n-1]
		global.recycled = global.recycled[:n-1]
		return &Handle{pid: p}
	}
	p := global.next
	global.next++
	return &Handle{pid: p}
}

// Pid returns the numeric process id.
func (h *Handle) Pid() defs.Pid_t { return h.pid }

// Release recycles the PID. Must be called exactly once, when the
// owning task's last reference (its TCB) is dropped.
func (h *Handle) Release() {
	if h.released {
		panic("pid: double release")
	}
	h.released = true
	global.mu.Lock()
	global.recycled = append(global.recycled, h.pid)
	global.mu.Unlock()
}

// KernelStackTop returns the top virtual address of pid p's kernel
// stack: top = trampoline - p*(stack size + one guard page), so each
// higher pid's stack sits one stack plus one guard page lower.
func KernelStackTop(p defs.Pid_t) arch.Va {
	return arch.KernelStackTop(int(p), KernelStackSize)
}

// MapKernelStack inserts pid p's kernel stack as a Framed region in the
// kernel address space, leaving the page below it unmapped as a guard.
func MapKernelStack(kernel *vmm.Space, alloc *mem.Allocator, p defs.Pid_t) defs.Err_t {
	top := KernelStackTop(p)
	bottom := top - arch.Va(KernelStackSize)
	return kernel.InsertFramedRange(arch.VaToVpn(bottom), arch.VaToVpn(top), arch.PTE_R|arch.PTE_W)
}
