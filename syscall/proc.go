package syscall

import (
	"rvcore/arch"
	"rvcore/defs"
	"rvcore/sched"
	"rvcore/task"
)

func sysExit(env *Env, t *task.TCB, codeArg uint64) {
	sched.ExitCurrentAndRunNext(t, int(int32(codeArg)), env.Init)
}

func sysYield(t *task.TCB) int64 {
	sched.SuspendCurrentAndRunNext(t)
	return 0
}

func sysFork(env *Env, t *task.TCB) int64 {
	child, err := t.Fork(env.Alloc, env.Kernel, env.TrampolinePpn)
	if err != defs.ENONE {
		return -1
	}
	// The child's trap context was deep-copied byte-for-byte from the
	// parent's (task.TCB.Fork), including whatever a0 held before this
	// syscall's own return value gets written — fork's caller patches
	// the child's a0 to 0 after fork returns.
	tc := child.ReadTrapContext()
	tc.X[RegA0] = 0
	child.WriteTrapContext(tc)

	sched.Push(child)
	if env.OnFork != nil {
		env.OnFork(t, child)
	}
	return int64(child.Pid.Pid())
}

// readArgv reads the NULL-terminated array of C-string pointers at
// argvPtr and the strings they point to.
func readArgv(t *task.TCB, argvPtr uint64) ([]string, defs.Err_t) {
	var argv []string
	for i := 0; ; i++ {
		var raw [8]byte
		if err := t.Space.CopyIn(raw[:], arch.Va(argvPtr)+arch.Va(i*8)); err != defs.ENONE {
			return nil, err
		}
		ptr := le64(raw[:])
		if ptr == 0 {
			break
		}
		s, err := t.Space.UserString(arch.Va(ptr), maxPathLen)
		if err != defs.ENONE {
			return nil, err
		}
		argv = append(argv, s)
	}
	return argv, defs.ENONE
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

func sysExec(env *Env, t *task.TCB, pathPtr, argvPtr uint64) int64 {
	path, err := t.Space.UserString(arch.Va(pathPtr), maxPathLen)
	if err != defs.ENONE {
		return -1
	}
	name, err := resolveName(path)
	if err != defs.ENONE {
		return -1
	}
	ino, err := env.FS.Root().Find(name)
	if err != defs.ENONE {
		return -1
	}
	data := make([]byte, ino.Size())
	ino.ReadAt(data, 0)

	argv, err := readArgv(t, argvPtr)
	if err != defs.ENONE {
		return -1
	}

	if err := t.Exec(env.Alloc, env.Kernel, env.TrampolinePpn, data, argv, env.TrapHandler); err != defs.ENONE {
		return -1
	}
	return int64(len(argv))
}

// waitpidNoChild / waitpidNotZombie are the ABI's two non-reaping
// returns, distinct from the kernel-internal defs.Err_t values of the
// same name: the ABI fixes these exact literals, while
// defs.ENOCHILD/ECHILDNOTZOMBIE number the general kernel error space.
const (
	waitpidNoChild   = -1
	waitpidNotZombie = -2
)

func sysWaitpid(t *task.TCB, pidArg, codeOutPtr uint64) int64 {
	want := int64(int32(pidArg))
	children := t.ChildrenSnapshot()

	exists := false
	for _, c := range children {
		if want != -1 && int64(c.Pid.Pid()) != want {
			continue
		}
		exists = true
		if c.GetStatus() != task.Zombie {
			continue
		}

		if codeOutPtr != 0 {
			// the exit code must land in user-writable memory, never in a
			// kernel-only page such as the trap context.
			const userRW = arch.PTE_U | arch.PTE_W
			for _, va := range []arch.Va{arch.Va(codeOutPtr), arch.Va(codeOutPtr + 3)} {
				r, ok := t.Space.Lookup(arch.VaToVpn(va))
				if !ok || r.Perms&userRW != userRW {
					return -1
				}
			}
			var buf [4]byte
			code := int32(c.ExitCodeValue())
			buf[0] = byte(code)
			buf[1] = byte(code >> 8)
			buf[2] = byte(code >> 16)
			buf[3] = byte(code >> 24)
			if t.Space.CopyOut(arch.Va(codeOutPtr), buf[:]) != defs.ENONE {
				return -1
			}
		}

		t.RemoveChild(c)
		task.Unregister(c.Pid.Pid())
		pid := c.Pid.Pid()
		c.Pid.Release()
		return int64(pid)
	}
	if !exists {
		return waitpidNoChild
	}
	return waitpidNotZombie
}
