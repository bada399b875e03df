package signal

import (
	"testing"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/internal/testelf"
	"rvcore/mem"
	"rvcore/task"
	"rvcore/vmm"
)

func newTestTask(t *testing.T) *task.TCB {
	t.Helper()
	alloc := mem.NewAllocator(0, 4096)
	tf, err := alloc.Alloc()
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	kernel, err := vmm.NewBareWithTrampoline(alloc, tf.Ppn())
	if err != 0 {
		t.Fatalf("NewBareWithTrampoline: %v", err)
	}
	tcb, err := task.New(alloc, kernel, tf.Ppn(), testelf.Tiny(), arch.Trampoline)
	if err != 0 {
		t.Fatalf("task.New: %v", err)
	}
	return tcb
}

func TestKillSetsPendingOnce(t *testing.T) {
	tcb := newTestTask(t)
	if err := Kill(tcb, 10); err != defs.ENONE {
		t.Fatalf("Kill: %v", err)
	}
	if !tcb.IsPending(10) {
		t.Fatal("signal not pending after Kill")
	}
	if err := Kill(tcb, 10); err != defs.EINVAL {
		t.Fatalf("second Kill err = %v, want EINVAL", err)
	}
}

func TestSigstopFreezesSigcontThaws(t *testing.T) {
	tcb := newTestTask(t)
	Kill(tcb, defs.SIGSTOP)
	CheckPending(tcb)
	if !tcb.IsFrozen() {
		t.Fatal("SIGSTOP did not freeze the task")
	}
	Kill(tcb, defs.SIGCONT)
	CheckPending(tcb)
	if tcb.IsFrozen() {
		t.Fatal("SIGCONT did not thaw the task")
	}
}

func TestSigkillSetsKilled(t *testing.T) {
	tcb := newTestTask(t)
	Kill(tcb, defs.SIGKILL)
	CheckPending(tcb)
	if !tcb.IsKilled() {
		t.Fatal("SIGKILL did not set killed")
	}
}

func TestHandlerArmsTrapContextAndSigreturnRestores(t *testing.T) {
	tcb := newTestTask(t)
	before := tcb.ReadTrapContext()

	const sig = 5
	tcb.SetAction(sig, task.SigAction{Handler: 0x5000, Mask: 0})
	Kill(tcb, sig)
	if !CheckPending(tcb) {
		t.Fatal("CheckPending reported nothing consumed")
	}

	after := tcb.ReadTrapContext()
	if after.Sepc != 0x5000 {
		t.Fatalf("sepc = %#x, want handler address", after.Sepc)
	}
	if tcb.HandlingSigValue() != sig {
		t.Fatalf("handling_sig = %d, want %d", tcb.HandlingSigValue(), sig)
	}

	a0, err := Sigreturn(tcb)
	if err != defs.ENONE {
		t.Fatalf("Sigreturn: %v", err)
	}
	if a0 != before.X[9] {
		t.Fatalf("sigreturn a0 = %d, want the pre-handler value %d", a0, before.X[9])
	}
	if tcb.HandlingSigValue() != -1 {
		t.Fatal("handling_sig not cleared after sigreturn")
	}
	restored := tcb.ReadTrapContext()
	if restored.Sepc != before.Sepc {
		t.Fatalf("sepc after sigreturn = %#x, want original %#x", restored.Sepc, before.Sepc)
	}
}

// TestTwoPendingHandlersDeliverOnePerPass pins the no-re-entrancy rule:
// with two user-handler signals pending at once, a single scan arms only
// the first, the backup keeps the true pre-signal context, and the
// second handler only runs after the first one's sigreturn.
func TestTwoPendingHandlersDeliverOnePerPass(t *testing.T) {
	tcb := newTestTask(t)
	before := tcb.ReadTrapContext()

	tcb.SetAction(5, task.SigAction{Handler: 0x5000, Mask: 0})
	tcb.SetAction(6, task.SigAction{Handler: 0x6000, Mask: 0})
	Kill(tcb, 5)
	Kill(tcb, 6)

	HandleSignals(tcb)
	if got := tcb.HandlingSigValue(); got != 5 {
		t.Fatalf("handling_sig after first pass = %d, want 5", got)
	}
	if !tcb.IsPending(6) {
		t.Fatal("signal 6 was consumed in the same pass that armed signal 5")
	}
	if got := tcb.ReadTrapContext().Sepc; got != 0x5000 {
		t.Fatalf("sepc = %#x, want signal 5's handler", got)
	}

	// another trap return while handler 5 is in flight must not arm 6 —
	// that would overwrite the backup with handler 5's patched context.
	HandleSignals(tcb)
	if got := tcb.HandlingSigValue(); got != 5 {
		t.Fatalf("handling_sig after second pass = %d, want still 5", got)
	}
	if got := tcb.ReadTrapContext().Sepc; got != 0x5000 {
		t.Fatalf("sepc changed while handler 5 was in flight: %#x", got)
	}

	if _, err := Sigreturn(tcb); err != defs.ENONE {
		t.Fatalf("Sigreturn: %v", err)
	}
	if got := tcb.ReadTrapContext().Sepc; got != before.Sepc {
		t.Fatalf("sepc after first sigreturn = %#x, want original %#x", got, before.Sepc)
	}

	HandleSignals(tcb)
	if got := tcb.HandlingSigValue(); got != 6 {
		t.Fatalf("handling_sig after third pass = %d, want 6", got)
	}
	if got := tcb.ReadTrapContext().Sepc; got != 0x6000 {
		t.Fatalf("sepc = %#x, want signal 6's handler", got)
	}
	if _, err := Sigreturn(tcb); err != defs.ENONE {
		t.Fatalf("second Sigreturn: %v", err)
	}
	restored := tcb.ReadTrapContext()
	if restored.Sepc != before.Sepc {
		t.Fatalf("sepc after second sigreturn = %#x, want original %#x", restored.Sepc, before.Sepc)
	}
	if restored.X[9] != before.X[9] {
		t.Fatalf("a0 after second sigreturn = %d, want original %d", restored.X[9], before.X[9])
	}
}

// TestKernelSignalsConsumedAlongsideHandlerArm: a kernel-handled signal
// does not stop the scan, so a pending SIGKILL is still acted on in the
// pass that arms a user handler registered on a higher signal number.
func TestKernelSignalsConsumedAlongsideHandlerArm(t *testing.T) {
	tcb := newTestTask(t)
	tcb.SetAction(10, task.SigAction{Handler: 0xA000, Mask: 0})
	Kill(tcb, defs.SIGKILL)
	Kill(tcb, 10)

	if !CheckPending(tcb) {
		t.Fatal("CheckPending consumed nothing")
	}
	if !tcb.IsKilled() {
		t.Fatal("pending SIGKILL not consumed in the same scan")
	}
	if got := tcb.HandlingSigValue(); got != 10 {
		t.Fatalf("handling_sig = %d, want 10", got)
	}
}
