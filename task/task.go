// Package task implements the task control block. Since this kernel
// runs as ordinary Go code rather than on bare metal, each task's
// "saved context" is a goroutine parked on a channel rather than a
// hand-saved register file; the Go runtime's own scheduler stands in
// for hardware context switching. package sched drives the turn/yield
// channels this package exposes.
package task

import (
	"runtime"
	"sync"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/fd"
	"rvcore/mem"
	"rvcore/pid"
	"rvcore/vmm"
)

// registry maps a live pid to its TCB so kill(pid, sig) can resolve a
// target without walking the parent/child tree. New and Fork register
// their TCB; a parent unregisters it once waitpid reaps the zombie.
var registry sync.Map // defs.Pid_t -> *TCB

// Lookup returns the TCB for pid, if one is currently registered.
func Lookup(p defs.Pid_t) (*TCB, bool) {
	v, ok := registry.Load(p)
	if !ok {
		return nil, false
	}
	return v.(*TCB), true
}

// Unregister drops pid from the registry. Called once a parent has
// reaped the TCB via waitpid.
func Unregister(p defs.Pid_t) {
	registry.Delete(p)
}

// Status is the task's scheduling state.
type Status int

const (
	Ready Status = iota
	Running
	Zombie
)

// TrapContext is the fixed-layout register save area the trampoline
// reads/writes. Laid out as x1..x31 general
// registers (x0 is always zero and omitted), sstatus, sepc, then the
// kernel-side fields the restore routine needs: kernel_satp, kernel_sp,
// trap_handler.
type TrapContext struct {
	X           [31]uint64
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  arch.Token
	KernelSp    arch.Va
	TrapHandler arch.Va
}

// TCB is one process's task control block. Pid and KernelStack are
// immutable for the task's lifetime; everything else is guarded by mu.
type TCB struct {
	Pid         *pid.Handle
	KernelStack arch.Va

	mu           sync.Mutex
	TrapCtxPpn   arch.Ppn
	BaseSize     uint64
	Status       Status
	Space        *vmm.Space
	Parent       *TCB // weak reference: does not keep the parent alive on its own
	Children     []*TCB
	ExitCode     int
	Fds          *fd.Table

	Pending       uint32
	Mask          uint32
	HandlingSig   int // -1 means none
	Actions       [defs.NSIG]SigAction
	Frozen        bool
	Killed        bool
	TrapCtxBackup *TrapContext

	// turn/yielded are the goroutine-based stand-in for a saved register
	// context: the scheduler sends on turn to resume this task's
	// goroutine, and the task sends on yielded when it suspends or exits.
	turn    chan struct{}
	yielded chan struct{}
}

// SigAction mirrors the 16-byte-aligned ABI record: a handler address
// and a per-handler mask.
type SigAction struct {
	Handler arch.Va
	Mask    uint32
}

// New parses elfBytes, builds its address space, allocates a PID and
// kernel stack, and returns the TCB for the very first (init) process.
func New(alloc *mem.Allocator, kernel *vmm.Space, trampolinePpn arch.Ppn, elfBytes []byte, trapHandler arch.Va) (*TCB, defs.Err_t) {
	space, userSp, entry, err := vmm.FromElf(alloc, trampolinePpn, elfBytes)
	if err != defs.ENONE {
		return nil, err
	}
	trapCtxPpn, ok := space.TrapContextPpn()
	if !ok {
		return nil, defs.ENOTMAPPED
	}

	ph := pid.Alloc()
	if e := pid.MapKernelStack(kernel, alloc, ph.Pid()); e != defs.ENONE {
		return nil, e
	}

	t := &TCB{
		Pid:         ph,
		KernelStack: pid.KernelStackTop(ph.Pid()),
		TrapCtxPpn:  trapCtxPpn,
		Status:      Ready,
		Space:       space,
		Fds:         fd.NewTable(),
		HandlingSig: -1,
		turn:        make(chan struct{}),
		yielded:     make(chan struct{}),
	}

	tc := &TrapContext{
		Sepc:        uint64(entry),
		KernelSatp:  kernel.Table.Token(),
		KernelSp:    t.KernelStack,
		TrapHandler: trapHandler,
	}
	tc.X[1] = uint64(userSp) // sp is x2; X[1] here holds x2 (index = reg-1)
	t.writeTrapContext(tc)
	registry.Store(ph.Pid(), t)
	return t, defs.ENONE
}

func (t *TCB) writeTrapContext(tc *TrapContext) {
	buf := t.Space.Alloc.PageBytes(t.TrapCtxPpn)
	encodeTrapContext(tc, buf)
}

// ReadTrapContext decodes the current trap-context page.
func (t *TCB) ReadTrapContext() *TrapContext {
	buf := t.Space.Alloc.PageBytes(t.TrapCtxPpn)
	return decodeTrapContext(buf)
}

// WriteTrapContext re-encodes tc into the trap-context page.
func (t *TCB) WriteTrapContext(tc *TrapContext) {
	t.writeTrapContext(tc)
}

func encodeTrapContext(tc *TrapContext, buf []byte) {
	off := 0
	for i := 0; i < 31; i++ {
		putLE64(buf, off, tc.X[i])
		off += 8
	}
	putLE64(buf, off, tc.Sstatus)
	off += 8
	putLE64(buf, off, tc.Sepc)
	off += 8
	putLE64(buf, off, uint64(tc.KernelSatp))
	off += 8
	putLE64(buf, off, uint64(tc.KernelSp))
	off += 8
	putLE64(buf, off, uint64(tc.TrapHandler))
}

func decodeTrapContext(buf []byte) *TrapContext {
	tc := &TrapContext{}
	off := 0
	for i := 0; i < 31; i++ {
		tc.X[i] = le64(buf, off)
		off += 8
	}
	tc.Sstatus = le64(buf, off)
	off += 8
	tc.Sepc = le64(buf, off)
	off += 8
	tc.KernelSatp = arch.Token(le64(buf, off))
	off += 8
	tc.KernelSp = arch.Va(le64(buf, off))
	off += 8
	tc.TrapHandler = arch.Va(le64(buf, off))
	return tc
}

func putLE64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * uint(i)))
	}
}

func le64(b []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * uint(i))
	}
	return v
}

// Fork clones self into a new child TCB: deep
// copy of the address space, a fresh PID and kernel stack, a shared-File
// FD table clone, inherited signal mask/actions, no children, and the
// parent back-reference. The caller of the fork syscall is responsible
// for patching the child's a0 to 0.
func (t *TCB) Fork(alloc *mem.Allocator, kernel *vmm.Space, trampolinePpn arch.Ppn) (*TCB, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	childSpace, err := vmm.FromExistingUser(t.Space, trampolinePpn)
	if err != defs.ENONE {
		return nil, err
	}
	ph := pid.Alloc()
	if e := pid.MapKernelStack(kernel, alloc, ph.Pid()); e != defs.ENONE {
		return nil, e
	}
	childTrapPpn, ok := childSpace.TrapContextPpn()
	if !ok {
		return nil, defs.ENOTMAPPED
	}

	child := &TCB{
		Pid:         ph,
		KernelStack: pid.KernelStackTop(ph.Pid()),
		TrapCtxPpn:  childTrapPpn,
		Status:      Ready,
		Space:       childSpace,
		Parent:      t,
		Fds:         t.Fds.Clone(),
		Mask:        t.Mask,
		Actions:     t.Actions,
		HandlingSig: -1,
		turn:        make(chan struct{}),
		yielded:     make(chan struct{}),
	}
	t.Children = append(t.Children, child)
	registry.Store(ph.Pid(), child)
	return child, defs.ENONE
}

// Exec replaces self's address space with a fresh one built from
// elfBytes, pushes argv onto the new user stack, and rewrites the trap
// context.
func (t *TCB) Exec(alloc *mem.Allocator, kernel *vmm.Space, trampolinePpn arch.Ppn, elfBytes []byte, argv []string, trapHandler arch.Va) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	newSpace, userSp, entry, err := vmm.FromElf(alloc, trampolinePpn, elfBytes)
	if err != defs.ENONE {
		return err
	}
	argvBase, newSp, err := pushArgv(newSpace, userSp, argv)
	if err != defs.ENONE {
		return err
	}

	old := t.Space
	t.Space = newSpace
	old.Teardown()

	// Past this point the old address space is gone: there is no longer
	// any error this function can return to a caller that still expects
	// the process to exist in its pre-exec state: past the point of no
	// return, failure is fatal. FromElf already guarantees the
	// trap-context region
	// exists, so this should never actually fail.
	trapPpn, ok := newSpace.TrapContextPpn()
	if !ok {
		panic("task: exec's new address space has no trap context page")
	}
	t.TrapCtxPpn = trapPpn

	tc := &TrapContext{
		Sepc:        uint64(entry),
		KernelSatp:  kernel.Table.Token(),
		KernelSp:    t.KernelStack,
		TrapHandler: trapHandler,
	}
	tc.X[1] = uint64(newSp)   // sp
	tc.X[9] = uint64(len(argv)) // a0 = argc (x10 -> index 9)
	tc.X[10] = uint64(argvBase) // a1 = argv_base (x11 -> index 10)
	t.writeTrapContext(tc)
	return defs.ENONE
}

// pushArgv writes argv (NULL-terminated C-string-pointer array, then the
// strings themselves, NUL-terminated) below sp, 8-byte aligned, and
// returns (argv-array base, new sp).
func pushArgv(s *vmm.Space, sp arch.Va, argv []string) (arch.Va, arch.Va, defs.Err_t) {
	ptrs := make([]arch.Va, len(argv)+1)
	cur := sp
	for i, a := range argv {
		b := append([]byte(a), 0)
		cur -= arch.Va(len(b))
		if err := s.CopyOut(cur, b); err != defs.ENONE {
			return 0, 0, err
		}
		ptrs[i] = cur
	}
	cur = arch.Va(uint64(cur) &^ 7) // align down to 8 bytes before the pointer array
	arraySize := arch.Va((len(argv) + 1) * 8)
	cur -= arraySize
	argvBase := cur
	for i, p := range ptrs {
		var b [8]byte
		putLE64(b[:], 0, uint64(p))
		if err := s.CopyOut(cur+arch.Va(i*8), b[:]); err != defs.ENONE {
			return 0, 0, err
		}
	}
	cur = arch.Va(uint64(cur) &^ 7)
	return argvBase, cur, defs.ENONE
}

// SetStatus updates this task's scheduling status under its mutex.
func (t *TCB) SetStatus(s Status) {
	t.mu.Lock()
	t.Status = s
	t.mu.Unlock()
}

// GetStatus reads this task's scheduling status under its mutex.
func (t *TCB) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// ChildrenSnapshot returns a copy of this task's current children list,
// for callers (the waitpid syscall) that need to scan it without
// holding the TCB's lock across the scan.
func (t *TCB) ChildrenSnapshot() []*TCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]*TCB, len(t.Children))
	copy(cp, t.Children)
	return cp
}

// RemoveChild drops c from this task's children list, called once a
// parent has reaped it via waitpid.
func (t *TCB) RemoveChild(c *TCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ch := range t.Children {
		if ch == c {
			t.Children = append(t.Children[:i], t.Children[i+1:]...)
			return
		}
	}
}

// Start launches the task's body on its own goroutine. The goroutine
// blocks until the first Resume, runs body (which must call Suspend at
// every yield back to the scheduler), and
// signals its final yield when body returns — i.e. the task exited.
// This stands in for the saved register context a real kernel would
// switch to (package doc).
func (t *TCB) Start(body func()) {
	go func() {
		<-t.turn
		body()
		t.yielded <- struct{}{}
	}()
}

// Resume grants this task a turn and blocks until it yields or exits —
// the moral equivalent of switching from idle context to the task's
// saved context and back.
func (t *TCB) Resume() {
	t.turn <- struct{}{}
	<-t.yielded
}

// Exit records code as the exit code, reparents every child to
// initProc, and tears down the whole user address space immediately:
// the Framed regions' frames and the page-table frames both go back to
// the allocator here, so nothing of the space is kept for the parent's
// waitpid.
func (t *TCB) Exit(code int, initProc *TCB) {
	t.mu.Lock()
	t.ExitCode = code
	children := t.Children
	t.Children = nil
	t.mu.Unlock()

	for _, c := range children {
		c.mu.Lock()
		c.Parent = initProc
		c.mu.Unlock()
		if initProc != nil {
			initProc.mu.Lock()
			initProc.Children = append(initProc.Children, c)
			initProc.mu.Unlock()
		}
	}
	t.Space.Teardown()
	t.Fds.CloseAll()
	t.SetStatus(Zombie)
}

// ExitCodeValue reads the recorded exit code under the task's mutex.
func (t *TCB) ExitCodeValue() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ExitCode
}

// Suspend gives control back to whatever called Resume and blocks until
// the next Resume. Called by the task body at a yield point; must never
// be called while holding a lock that crosses the suspension.
func (t *TCB) Suspend() {
	t.yielded <- struct{}{}
	<-t.turn
}

// SetPending sets bit sig in this task's pending-signal set.
func (t *TCB) SetPending(sig int) {
	t.mu.Lock()
	t.Pending |= 1 << uint(sig)
	t.mu.Unlock()
}

// IsPending reports whether sig is pending.
func (t *TCB) IsPending(sig int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Pending&(1<<uint(sig)) != 0
}

// ClearPending clears bit sig in the pending-signal set.
func (t *TCB) ClearPending(sig int) {
	t.mu.Lock()
	t.Pending &^= 1 << uint(sig)
	t.mu.Unlock()
}

// SigMask returns the process-wide signal mask.
func (t *TCB) SigMask() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Mask
}

// SetSigMask replaces the process-wide signal mask and returns the
// previous value.
func (t *TCB) SetSigMask(m uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.Mask
	t.Mask = m
	return old
}

// HandlingSigValue returns the signal number currently being handled, or -1.
func (t *TCB) HandlingSigValue() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.HandlingSig
}

// SetHandlingSig records which signal is currently being handled.
func (t *TCB) SetHandlingSig(sig int) {
	t.mu.Lock()
	t.HandlingSig = sig
	t.mu.Unlock()
}

// Action returns the registered action for signal sig.
func (t *TCB) Action(sig int) SigAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Actions[sig]
}

// SetAction installs a into signal sig's action slot, returning the
// previous value.
func (t *TCB) SetAction(sig int, a SigAction) SigAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.Actions[sig]
	t.Actions[sig] = a
	return old
}

// IsFrozen/SetFrozen/IsKilled/SetKilled guard the two kernel-managed
// signal flags: SIGSTOP sets frozen, SIGCONT clears it, SIGKILL sets
// killed.
func (t *TCB) IsFrozen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Frozen
}

func (t *TCB) SetFrozen(v bool) {
	t.mu.Lock()
	t.Frozen = v
	t.mu.Unlock()
}

func (t *TCB) IsKilled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Killed
}

func (t *TCB) SetKilled(v bool) {
	t.mu.Lock()
	t.Killed = v
	t.mu.Unlock()
}

// BackupTrapContext saves the current trap context for later
// restoration by sigreturn.
func (t *TCB) BackupTrapContext() {
	tc := t.ReadTrapContext()
	t.mu.Lock()
	t.TrapCtxBackup = tc
	t.mu.Unlock()
}

// RestoreTrapContextFromBackup writes the backed-up trap context back
// as current and clears the backup.
func (t *TCB) RestoreTrapContextFromBackup() bool {
	t.mu.Lock()
	backup := t.TrapCtxBackup
	t.TrapCtxBackup = nil
	t.mu.Unlock()
	if backup == nil {
		return false
	}
	t.WriteTrapContext(backup)
	return true
}

// FinishAndExit signals a final yield and terminates the calling
// goroutine without returning to any caller frame — the "exit never
// returns" half of exit_current_and_run_next, which Suspend's
// resume-again contract cannot express. Callers must have already
// marked the task Zombie (via Exit) before calling this.
func (t *TCB) FinishAndExit() {
	t.yielded <- struct{}{}
	runtime.Goexit()
}
