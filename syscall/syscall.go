// Package syscall implements the syscall ABI: the id lives in a7,
// arguments in a0..a2, and the return value is written back into a0.
// Dispatch decodes that register convention into a switch over syscall
// numbers and calls into the fs, fd, sched, and signal packages.
package syscall

import (
	"sync"
	"time"

	"rvcore/arch"
	"rvcore/fs"
	"rvcore/mem"
	"rvcore/task"
	"rvcore/vmm"
)

// Syscall numbers.
const (
	SysDup         = 24
	SysOpen        = 56
	SysClose       = 57
	SysPipe        = 59
	SysRead        = 63
	SysWrite       = 64
	SysExit        = 93
	SysYield       = 124
	SysKill        = 129
	SysSigaction   = 134
	SysSigprocmask = 135
	SysSigreturn   = 139
	SysGetTime     = 169
	SysGetpid      = 172
	SysFork        = 220
	SysExec        = 221
	SysWaitpid     = 260
)

// maxPathLen bounds path and argv-string reads; the on-disk name field
// itself caps at fs.DirNameMax, so anything longer is definitely not a
// valid name.
const maxPathLen = 256

// Env bundles the kernel-global state a syscall handler needs to reach
// outside its own TCB: the frame allocator and kernel address space
// (fork/exec rebuild a user space from these), the file system the
// process's open/exec paths resolve against, and the init process
// zombies reparent to on exit.
type Env struct {
	Alloc         *mem.Allocator
	Kernel        *vmm.Space
	TrampolinePpn arch.Ppn
	TrapHandler   arch.Va
	FS            *fs.FileSystem
	Init          *task.TCB

	// OnFork, if set, is invoked with (parent, child) right after fork has
	// built and queued the child TCB. A real kernel's fork returns twice,
	// once in the parent and once in the child, because the CPU actually
	// duplicates the parent's execution context; this implementation runs
	// each task as a single Go goroutine driven by task.TCB.Start, which
	// has no way to clone a call stack already in flight. OnFork is the
	// hook that lets the caller (cmd/kernel, simulating user programs as
	// closures) supply and Start the child's own continuation.
	OnFork func(parent, child *task.TCB)

	bootOnce  sync.Once
	bootStart time.Time
}

func (e *Env) elapsed() time.Duration {
	e.bootOnce.Do(func() { e.bootStart = time.Now() })
	return time.Since(e.bootStart)
}

// Register indices into TrapContext.X, following task.TrapContext's
// x1..x31 layout (index = register number - 1). Exported so callers that
// build a syscall's arguments directly — package userland, standing in
// for the ecall instruction a real user binary would execute — share the
// same ABI register convention instead of re-deriving it.
const (
	RegA0 = 9
	RegA1 = 10
	RegA2 = 11
	RegA7 = 16
)

// Dispatch reads the syscall id from a7 and its arguments from a0..a2,
// calls the matching handler, and writes the result back into a0.
// exit never returns to its caller the way the others
// do — task.TCB.FinishAndExit terminates the calling goroutine outright,
// so there is no trap context left to write a return value into.
func Dispatch(env *Env, t *task.TCB) {
	tc := t.ReadTrapContext()
	id := tc.X[RegA7]
	a0 := tc.X[RegA0]
	a1 := tc.X[RegA1]
	a2 := tc.X[RegA2]

	if id == SysExit {
		sysExit(env, t, a0)
		panic("syscall: exit returned")
	}

	var ret int64
	switch id {
	case SysDup:
		ret = sysDup(t, a0)
	case SysOpen:
		ret = sysOpen(env, t, a0, a1)
	case SysClose:
		ret = sysClose(t, a0)
	case SysPipe:
		ret = sysPipe(t, a0)
	case SysRead:
		ret = sysRead(t, a0, a1, a2)
	case SysWrite:
		ret = sysWrite(t, a0, a1, a2)
	case SysYield:
		ret = sysYield(t)
	case SysKill:
		ret = sysKill(a0, a1)
	case SysSigaction:
		ret = sysSigaction(t, a0, a1, a2)
	case SysSigprocmask:
		ret = sysSigprocmask(t, a0)
	case SysSigreturn:
		ret = sysSigreturn(t)
	case SysGetTime:
		ret = env.elapsed().Milliseconds()
	case SysGetpid:
		ret = int64(t.Pid.Pid())
	case SysFork:
		ret = sysFork(env, t)
	case SysExec:
		ret = sysExec(env, t, a0, a1)
	case SysWaitpid:
		ret = sysWaitpid(t, a0, a1)
	default:
		ret = -1
	}

	// exec may have replaced the trap context's backing page entirely
	// (task.TCB.Exec updates t.TrapCtxPpn), so the return value must be
	// written through a fresh read rather than the tc captured above:
	// exec replaces the address space, moving the trap context to a
	// different frame.
	cur := t.ReadTrapContext()
	cur.X[RegA0] = uint64(ret)
	t.WriteTrapContext(cur)
}

