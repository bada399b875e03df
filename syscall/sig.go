package syscall

import (
	"rvcore/arch"
	"rvcore/defs"
	"rvcore/signal"
	"rvcore/task"
)

func sysKill(pidArg, signumArg uint64) int64 {
	target, ok := task.Lookup(defs.Pid_t(int32(pidArg)))
	if !ok {
		return -1
	}
	if signal.Kill(target, int(signumArg)) != defs.ENONE {
		return -1
	}
	return 0
}

// sigActionSize is the ABI record's 16-byte-aligned size: 8 bytes
// handler, 4 bytes mask, 4 bytes padding.
const sigActionSize = 16

func encodeSigAction(a task.SigAction, buf []byte) {
	putLE64(buf[0:8], uint64(a.Handler))
	v := a.Mask
	buf[8] = byte(v)
	buf[9] = byte(v >> 8)
	buf[10] = byte(v >> 16)
	buf[11] = byte(v >> 24)
}

func decodeSigAction(buf []byte) task.SigAction {
	return task.SigAction{
		Handler: arch.Va(le64(buf[0:8])),
		Mask:    uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16 | uint32(buf[11])<<24,
	}
}

func sysSigaction(t *task.TCB, signumArg, actionPtr, oldActionPtr uint64) int64 {
	sig := int(int32(signumArg))
	if sig < 0 || sig >= defs.NSIG {
		return -1
	}

	old := t.Action(sig)
	if oldActionPtr != 0 {
		var buf [sigActionSize]byte
		encodeSigAction(old, buf[:])
		if t.Space.CopyOut(arch.Va(oldActionPtr), buf[:]) != defs.ENONE {
			return -1
		}
	}
	if actionPtr != 0 {
		var buf [sigActionSize]byte
		if t.Space.CopyIn(buf[:], arch.Va(actionPtr)) != defs.ENONE {
			return -1
		}
		t.SetAction(sig, decodeSigAction(buf[:]))
	}
	return 0
}

func sysSigprocmask(t *task.TCB, maskArg uint64) int64 {
	old := t.SetSigMask(uint32(maskArg))
	return int64(old)
}

func sysSigreturn(t *task.TCB) int64 {
	a0, err := signal.Sigreturn(t)
	if err != defs.ENONE {
		return -1
	}
	return int64(a0)
}
