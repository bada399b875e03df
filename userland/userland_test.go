package userland

import (
	"testing"
	"time"

	"rvcore/arch"
	"rvcore/blockdev"
	"rvcore/defs"
	"rvcore/fs"
	"rvcore/internal/testelf"
	"rvcore/mem"
	"rvcore/sched"
	"rvcore/syscall"
	"rvcore/task"
	"rvcore/vmm"
)

func newTestEnv(t *testing.T) *syscall.Env {
	t.Helper()
	alloc := mem.NewAllocator(0, 8192)
	tf, err := alloc.Alloc()
	if err != defs.ENONE {
		t.Fatalf("alloc trampoline frame: %v", err)
	}
	kernel, err := vmm.NewBareWithTrampoline(alloc, tf.Ppn())
	if err != defs.ENONE {
		t.Fatalf("NewBareWithTrampoline: %v", err)
	}

	dev := blockdev.NewMemdev(4096)
	fsys, err := fs.Mkfs(dev, 4096, 1)
	if err != defs.ENONE {
		t.Fatalf("Mkfs: %v", err)
	}
	ino, err := fsys.Root().Create("app", fs.TypeFile)
	if err != defs.ENONE {
		t.Fatalf("Create app: %v", err)
	}
	if _, err := ino.WriteAt(testelf.Tiny(), 0); err != defs.ENONE {
		t.Fatalf("write app: %v", err)
	}

	return &syscall.Env{
		Alloc:         alloc,
		Kernel:        kernel,
		TrampolinePpn: tf.Ppn(),
		TrapHandler:   arch.Trampoline,
		FS:            fsys,
	}
}

func waitForClose(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the scenario to finish")
	}
}

// TestForkWaitpidReapsChild drives the plain fork/exit/waitpid path with
// no exec involved: a parent forks a child that exits with a known code,
// then reaps it and records what it saw.
func TestForkWaitpidReapsChild(t *testing.T) {
	env := newTestEnv(t)
	initTCB, err := task.New(env.Alloc, env.Kernel, env.TrampolinePpn, testelf.Tiny(), arch.Trampoline)
	if err != defs.ENONE {
		t.Fatalf("New init: %v", err)
	}
	env.Init = initTCB

	done := make(chan struct{})
	var forkedPid, reapedPid int64
	var reapedCode int32

	Launch(env, initTCB, func(rt *Runtime) {
		forkedPid = rt.Fork(func(crt *Runtime) {
			crt.Exit(7)
		})
		if forkedPid < 0 {
			close(done)
			return
		}
		for {
			pid, code := rt.Waitpid(-1)
			if pid == -2 {
				rt.Yield()
				continue
			}
			reapedPid, reapedCode = pid, code
			close(done)
			return
		}
	})
	sched.Push(initTCB)
	go sched.RunTasks(nil)

	waitForClose(t, done)
	if forkedPid < 0 {
		t.Fatal("fork failed")
	}
	if reapedPid != forkedPid {
		t.Fatalf("reaped pid = %d, want the forked child's pid %d", reapedPid, forkedPid)
	}
	if reapedCode != 7 {
		t.Fatalf("reaped exit code = %d, want 7", reapedCode)
	}
}

// TestExecHandsOffToRegisteredProgram exercises the fix that makes a
// successful exec actually run the registered Program instead of letting
// the pre-exec closure's call stack fall back through to its own
// continuation: a child forks, execs "/app", and the exec'd body is what
// reports the exit code back to the parent's waitpid, not the pre-exec
// body.
func TestExecHandsOffToRegisteredProgram(t *testing.T) {
	env := newTestEnv(t)
	initTCB, err := task.New(env.Alloc, env.Kernel, env.TrampolinePpn, testelf.Tiny(), arch.Trampoline)
	if err != defs.ENONE {
		t.Fatalf("New init: %v", err)
	}
	env.Init = initTCB

	Register("/app", func(rt *Runtime) {
		rt.Exit(42)
	})

	done := make(chan struct{})
	var forkedPid int64
	var reapedCode int32

	Launch(env, initTCB, func(rt *Runtime) {
		forkedPid = rt.Fork(func(crt *Runtime) {
			// A successful Exec never returns here; reaching the Exit below
			// means exec failed, which this test does not expect.
			crt.Exec("/app", []string{"app"})
			crt.Exit(-1)
		})
		if forkedPid < 0 {
			close(done)
			return
		}
		for {
			pid, code := rt.Waitpid(-1)
			if pid == -2 {
				rt.Yield()
				continue
			}
			reapedCode = code
			close(done)
			return
		}
	})
	sched.Push(initTCB)
	go sched.RunTasks(nil)

	waitForClose(t, done)
	if forkedPid < 0 {
		t.Fatal("fork failed")
	}
	if reapedCode != 42 {
		t.Fatalf("reaped exit code = %d, want 42 (the exec'd program's code, not the pre-exec body's)", reapedCode)
	}
}

// TestExecFailureReturnsToCaller checks the other half of the Exec fix:
// a path with no file on disk has nothing to hand off to, so Exec must
// return the ordinary negative ABI value instead of panicking.
func TestExecFailureReturnsToCaller(t *testing.T) {
	env := newTestEnv(t)
	initTCB, err := task.New(env.Alloc, env.Kernel, env.TrampolinePpn, testelf.Tiny(), arch.Trampoline)
	if err != defs.ENONE {
		t.Fatalf("New init: %v", err)
	}
	env.Init = initTCB

	done := make(chan struct{})
	var ret int64 = 1

	Launch(env, initTCB, func(rt *Runtime) {
		ret = rt.Exec("/does-not-exist", nil)
		close(done)
		rt.Exit(0)
	})
	sched.Push(initTCB)
	go sched.RunTasks(nil)

	waitForClose(t, done)
	if ret >= 0 {
		t.Fatalf("Exec of a missing file returned %d, want negative", ret)
	}
}
