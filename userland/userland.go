// Package userland stands in for the compiled RISC-V user binaries
// this kernel has no instruction interpreter to run. A user program
// here is an ordinary Go
// closure driven by task.TCB.Start/Resume/Suspend exactly like every
// other task body; Runtime gives that closure the same surface a real
// libc would wrap the ecall instruction in, marshaling arguments through
// a reserved scratch region in the process's own address space the way a
// real binary would use its stack, then driving the trap dispatch path
// (package trap) directly in place of an actual ecall trap.
package userland

import (
	"sync"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/syscall"
	"rvcore/task"
	"rvcore/trap"
)

// Program is a simulated user binary's entry point.
type Program func(rt *Runtime)

// registry maps a file-system path to the Program that stands in for
// its compiled instructions, resolved against this linked-in table
// instead of decoding an instruction stream. The kernel still reads
// and ELF-parses
// the named file's on-disk bytes for every exec (so address-space
// construction is real); this registry only supplies the Go closure that
// plays the role of "what the decoded instructions would have done".
var registry sync.Map // string -> Program

// Register associates path with prog, so that a successful exec of path
// continues running as prog instead of the caller's own body.
func Register(path string, prog Program) {
	registry.Store(path, prog)
}

// Lookup returns the registered Program for path, if any.
func Lookup(path string) (Program, bool) {
	v, ok := registry.Load(path)
	if !ok {
		return nil, false
	}
	return v.(Program), true
}

// Runtime is the per-task handle a Program drives every syscall through.
type Runtime struct {
	env     *syscall.Env
	t       *task.TCB
	scratch arch.Va
}

// scratchPages is the size of the marshaling area reserved for argument
// and return-buffer staging; generous enough for a path, an argv array,
// or a short read/write demo without trying to model a real user heap.
const scratchPages = 2

// Launch starts prog on t's own goroutine, giving it a Runtime backed by
// a scratch region carved out of the empty break area FromElf leaves
// above the user stack; no real syscall in this ABI grows the break
// region, so it is free for this use.
func Launch(env *syscall.Env, t *task.TCB, prog Program) {
	rt := newRuntime(env, t)
	t.Start(func() { prog(rt) })
}

func newRuntime(env *syscall.Env, t *task.TCB) *Runtime {
	rt := &Runtime{env: env, t: t}
	rt.reserveScratch()
	return rt
}

// reserveScratch (re-)carves the marshaling area out of the current
// address space's break region. Called once by newRuntime for a freshly
// launched task, and again after a successful exec: exec replaces
// t.Space wholesale (task.TCB.Exec), so the previous address space's
// scratch reservation no longer exists and must be redone against the
// new one before the post-exec program issues its first syscall. A
// forked child's address space is a deep copy of its parent's
// (vmm.FromExistingUser), already-reserved scratch region included, so
// this is a no-op there — BreakTop already sits scratchPages above
// BreakBase and InsertFramedRange would otherwise see the leaf as
// already mapped.
func (rt *Runtime) reserveScratch() {
	base := rt.t.Space.BreakBase
	top := base + scratchPages
	if rt.t.Space.BreakTop < top {
		if err := rt.t.Space.InsertFramedRange(base, top, arch.PTE_R|arch.PTE_W|arch.PTE_U); err != defs.ENONE {
			panic("userland: cannot reserve scratch region")
		}
		rt.t.Space.BreakTop = top
	}
	rt.scratch = arch.VpnToVa(base)
}

// raw drives one synchronous syscall: write the ABI registers, run the
// same trap-dispatch path a real ecall would vector into, and read back
// a0. It must never be called for SysExit, which never returns control
// to its caller (see Exit).
func (rt *Runtime) raw(id, a0, a1, a2 uint64) int64 {
	tc := rt.t.ReadTrapContext()
	tc.X[syscall.RegA7] = id
	tc.X[syscall.RegA0] = a0
	tc.X[syscall.RegA1] = a1
	tc.X[syscall.RegA2] = a2
	rt.t.WriteTrapContext(tc)
	trap.HandleUserTrap(rt.env, rt.t, trap.UserEnvCall)
	return int64(rt.t.ReadTrapContext().X[syscall.RegA0])
}

func (rt *Runtime) put(off int, b []byte) arch.Va {
	va := rt.scratch + arch.Va(off)
	if err := rt.t.Space.CopyOut(va, b); err != defs.ENONE {
		panic("userland: scratch write out of bounds")
	}
	return va
}

func (rt *Runtime) get(off, n int) []byte {
	b := make([]byte, n)
	if err := rt.t.Space.CopyIn(b, rt.scratch+arch.Va(off)); err != defs.ENONE {
		panic("userland: scratch read out of bounds")
	}
	return b
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

// Open issues the open syscall for path.
func (rt *Runtime) Open(path string, flags defs.OpenFlag) int64 {
	va := rt.put(0, append([]byte(path), 0))
	return rt.raw(syscall.SysOpen, uint64(va), uint64(flags), 0)
}

// Close issues the close syscall (id 57).
func (rt *Runtime) Close(fd int64) int64 {
	return rt.raw(syscall.SysClose, uint64(fd), 0, 0)
}

// Dup issues the dup syscall (id 24).
func (rt *Runtime) Dup(fd int64) int64 {
	return rt.raw(syscall.SysDup, uint64(fd), 0, 0)
}

// Pipe issues the pipe syscall (id 59), returning (readFd, writeFd, ok).
func (rt *Runtime) Pipe() (int64, int64, bool) {
	if rt.raw(syscall.SysPipe, uint64(rt.scratch), 0, 0) != 0 {
		return 0, 0, false
	}
	buf := rt.get(0, 16)
	return int64(le64(buf[0:8])), int64(le64(buf[8:16])), true
}

// Read issues the read syscall (id 63) into buf, returning bytes read.
func (rt *Runtime) Read(fd int64, buf []byte) int64 {
	n := rt.raw(syscall.SysRead, uint64(fd), uint64(rt.scratch), uint64(len(buf)))
	if n > 0 {
		copy(buf, rt.get(0, int(n)))
	}
	return n
}

// Write issues the write syscall (id 64) with buf's contents.
func (rt *Runtime) Write(fd int64, buf []byte) int64 {
	rt.put(0, buf)
	return rt.raw(syscall.SysWrite, uint64(fd), uint64(rt.scratch), uint64(len(buf)))
}

// Exit issues the exit syscall (id 93). It never returns: the same way
// a real ecall never resumes its caller when the kernel tears the task
// down instead of returning through the trampoline.
func (rt *Runtime) Exit(code int64) {
	tc := rt.t.ReadTrapContext()
	tc.X[syscall.RegA7] = syscall.SysExit
	tc.X[syscall.RegA0] = uint64(code)
	rt.t.WriteTrapContext(tc)
	trap.HandleUserTrap(rt.env, rt.t, trap.UserEnvCall)
	panic("userland: exit returned")
}

// Yield issues the yield syscall (id 124).
func (rt *Runtime) Yield() int64 {
	return rt.raw(syscall.SysYield, 0, 0, 0)
}

// Kill issues the kill syscall (id 129).
func (rt *Runtime) Kill(pid int64, sig int64) int64 {
	return rt.raw(syscall.SysKill, uint64(pid), uint64(sig), 0)
}

// Sigaction issues the sigaction syscall (id 134). Either action or old
// (or both) may be nil to skip that half of the exchange.
func (rt *Runtime) Sigaction(sig int64, action, old *task.SigAction) int64 {
	const actionOff, oldOff = 0, 16
	var actionVa, oldVa arch.Va
	if action != nil {
		var buf [16]byte
		putLE64(buf[0:8], uint64(action.Handler))
		buf[8], buf[9], buf[10], buf[11] = byte(action.Mask), byte(action.Mask>>8), byte(action.Mask>>16), byte(action.Mask>>24)
		actionVa = rt.put(actionOff, buf[:])
	}
	if old != nil {
		oldVa = rt.scratch + arch.Va(oldOff)
	}
	ret := rt.raw(syscall.SysSigaction, uint64(sig), uint64(actionVa), uint64(oldVa))
	if old != nil && ret == 0 {
		buf := rt.get(oldOff, 16)
		old.Handler = arch.Va(le64(buf[0:8]))
		old.Mask = uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16 | uint32(buf[11])<<24
	}
	return ret
}

// Sigprocmask issues the sigprocmask syscall (id 135), returning the
// previous mask.
func (rt *Runtime) Sigprocmask(mask uint32) int64 {
	return rt.raw(syscall.SysSigprocmask, uint64(mask), 0, 0)
}

// Sigreturn issues the sigreturn syscall (id 139).
func (rt *Runtime) Sigreturn() int64 {
	return rt.raw(syscall.SysSigreturn, 0, 0, 0)
}

// GetTime issues the get_time syscall (id 169).
func (rt *Runtime) GetTime() int64 {
	return rt.raw(syscall.SysGetTime, 0, 0, 0)
}

// Getpid issues the getpid syscall (id 172).
func (rt *Runtime) Getpid() int64 {
	return rt.raw(syscall.SysGetpid, 0, 0, 0)
}

// Fork issues the fork syscall (id 220) and launches child as the new
// task's Program (see package doc: there is no register context to
// "resume into 0" for a simulated child, so Launch is driven directly
// from the env.OnFork hook instead).
func (rt *Runtime) Fork(child Program) int64 {
	rt.env.OnFork = func(_, c *task.TCB) {
		Launch(rt.env, c, child)
	}
	pid := rt.raw(syscall.SysFork, 0, 0, 0)
	rt.env.OnFork = nil
	return pid
}

// Exec issues the exec syscall (id 221) with path and argv.
func (rt *Runtime) Exec(path string, argv []string) int64 {
	off := 0
	pathVa := rt.put(off, append([]byte(path), 0))
	off += len(path) + 1

	ptrs := make([]arch.Va, len(argv)+1)
	for i, a := range argv {
		va := rt.put(off, append([]byte(a), 0))
		ptrs[i] = va
		off += len(a) + 1
	}
	off = (off + 7) &^ 7
	argvVa := rt.scratch + arch.Va(off)
	for i, p := range ptrs {
		var b [8]byte
		putLE64(b[:], uint64(p))
		rt.put(off+i*8, b[:])
	}
	argc := rt.raw(syscall.SysExec, uint64(pathVa), uint64(argvVa), 0)
	if argc < 0 {
		return argc
	}

	// On success a real ecall never returns to the pre-exec instruction
	// stream; the hart simply starts fetching from the new entry point.
	// There is no instruction stream here, only this Go closure's call
	// stack, so the closure standing in for the old program must hand
	// control to the new one directly and never regain it. A path with
	// no registered
	// Program (e.g. a plain StubELF fixture in a unit test) has nothing
	// to continue as, so it falls through to the ordinary ABI return.
	if prog, ok := Lookup(path); ok {
		rt.reserveScratch()
		prog(rt)
		panic("userland: exec'd program returned instead of exiting")
	}
	return argc
}

// Waitpid issues the waitpid syscall (id 260). pid == -1 means "any
// child". Returns (reaped pid / -1 / -2, exit code if reaped).
func (rt *Runtime) Waitpid(pid int64) (int64, int32) {
	const codeOff = scratchPages*arch.PGSIZE - 4
	codeVa := rt.scratch + arch.Va(codeOff)
	ret := rt.raw(syscall.SysWaitpid, uint64(pid), uint64(codeVa), 0)
	if ret < 0 {
		return ret, 0
	}
	buf := rt.get(codeOff, 4)
	code := int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	return ret, code
}
