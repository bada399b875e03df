// Package signal implements signal delivery: kill, the handle-signals
// suspend loop, per-bit pending dispatch, and sigreturn. State per
// process is a 32-bit pending set, a mask, a per-signal action table,
// and the frozen/killed/handling-sig machine that gates delivery.
package signal

import (
	"rvcore/defs"
	"rvcore/sched"
	"rvcore/task"
)

// Kill sets sig pending on t. Fails if the bit was already set.
func Kill(t *task.TCB, sig int) defs.Err_t {
	if sig < 0 || sig >= defs.NSIG {
		return defs.EBADSIGNAL
	}
	if t.IsPending(sig) {
		return defs.EINVAL
	}
	t.SetPending(sig)
	return defs.ENONE
}

// CheckPending makes one scan over signals 0..31 for those that are
// pending, not globally masked, and not masked by the action currently
// being handled. Kernel-handled signals (SIGSTOP/SIGCONT/SIGKILL/
// SIGDEF) are consumed in place and the scan continues; the first
// signal with a registered user handler is armed and the scan stops
// there, so at most one handler — and one trap-context backup — is set
// up per scan. While handling_sig is set no further handler is armed
// at all; a later user signal stays pending until sigreturn. It
// returns true if any signal was consumed this call.
func CheckPending(t *task.TCB) bool {
	mask := t.SigMask()
	handling := t.HandlingSigValue()
	handlingMask := uint32(0)
	if handling >= 0 {
		handlingMask = t.Action(handling).Mask
	}
	consumed := false
	for sig := 0; sig < defs.NSIG; sig++ {
		if !t.IsPending(sig) {
			continue
		}
		if mask&(1<<uint(sig)) != 0 {
			continue
		}
		if handlingMask&(1<<uint(sig)) != 0 {
			continue
		}

		switch sig {
		case defs.SIGSTOP:
			t.ClearPending(sig)
			t.SetFrozen(true)
			consumed = true
			continue
		case defs.SIGCONT:
			t.ClearPending(sig)
			t.SetFrozen(false)
			consumed = true
			continue
		case defs.SIGKILL:
			t.ClearPending(sig)
			t.SetKilled(true)
			consumed = true
			continue
		case defs.SIGDEF:
			t.ClearPending(sig)
			consumed = true
			continue
		}

		if handling >= 0 {
			// a handler is already in flight: its trap-context backup is
			// the only copy of the pre-signal registers, so no further
			// handler may be armed until sigreturn. The signal stays
			// pending.
			continue
		}
		action := t.Action(sig)
		if action.Handler == 0 {
			// no handler registered: an unregistered
			// ordinary signal is left pending rather than silently
			// dropped, matching default-ignore semantics.
			continue
		}

		t.ClearPending(sig)
		t.BackupTrapContext()
		tc := t.ReadTrapContext()
		tc.Sepc = uint64(action.Handler)
		tc.X[9] = uint64(sig) // a0 = signal number (x10 -> index 9)
		t.WriteTrapContext(tc)
		t.SetHandlingSig(sig)
		return true
	}
	return consumed
}

// HandleSignals runs one pending-signal scan per return to user mode,
// yielding and rescanning for as long as the task is frozen and not
// killed. Called by trap dispatch just before returning to user mode.
func HandleSignals(t *task.TCB) {
	for {
		CheckPending(t)
		if t.IsKilled() || !t.IsFrozen() {
			return
		}
		sched.SuspendCurrentAndRunNext(t)
	}
}

// Sigreturn restores the trap context saved before a handler ran,
// clears handling_sig, and returns the restored a0. Returns EINVAL if
// no handler was in progress.
func Sigreturn(t *task.TCB) (uint64, defs.Err_t) {
	if t.HandlingSigValue() < 0 {
		return 0, defs.EINVAL
	}
	if !t.RestoreTrapContextFromBackup() {
		return 0, defs.EINVAL
	}
	t.SetHandlingSig(-1)
	return t.ReadTrapContext().X[9], defs.ENONE
}
