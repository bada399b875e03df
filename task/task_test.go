package task

import (
	"testing"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/fd"
	"rvcore/internal/testelf"
	"rvcore/mem"
	"rvcore/vmm"
)

func newTestKernel(t *testing.T) (*mem.Allocator, *vmm.Space, arch.Ppn) {
	t.Helper()
	alloc := mem.NewAllocator(0, 4096)
	tf, err := alloc.Alloc()
	if err != 0 {
		t.Fatalf("alloc trampoline frame: %v", err)
	}
	kernel, err := vmm.NewBareWithTrampoline(alloc, tf.Ppn())
	if err != 0 {
		t.Fatalf("NewBareWithTrampoline: %v", err)
	}
	return alloc, kernel, tf.Ppn()
}

func TestNewBuildsRunnableTask(t *testing.T) {
	alloc, kernel, trampPpn := newTestKernel(t)
	tcb, err := New(alloc, kernel, trampPpn, testelf.Tiny(), arch.Trampoline)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if tcb.Status != Ready {
		t.Fatalf("status = %v, want Ready", tcb.Status)
	}
	tc := tcb.ReadTrapContext()
	if tc.Sepc != 0x1000 {
		t.Fatalf("sepc = %#x, want 0x1000", tc.Sepc)
	}
}

func TestForkSharesFdTableContents(t *testing.T) {
	alloc, kernel, trampPpn := newTestKernel(t)
	parent, err := New(alloc, kernel, trampPpn, testelf.Tiny(), arch.Trampoline)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	shared := fd.NewInodeFile(nil, defs.O_RDONLY)
	sharedFd := parent.Fds.Alloc(shared)
	child, err := parent.Fork(alloc, kernel, trampPpn)
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}
	if child.Fds.Get(sharedFd) != fd.File(shared) {
		t.Fatal("child's fd table does not share the parent's File reference")
	}
	if child.Pid.Pid() == parent.Pid.Pid() {
		t.Fatal("child got the same pid as parent")
	}
	if len(parent.Children) != 1 || parent.Children[0] != child {
		t.Fatal("parent.Children not updated")
	}
}

func TestResumeRunsBodyUntilSuspend(t *testing.T) {
	alloc, kernel, trampPpn := newTestKernel(t)
	tcb, err := New(alloc, kernel, trampPpn, testelf.Tiny(), arch.Trampoline)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	steps := 0
	tcb.Start(func() {
		steps++
		tcb.Suspend()
		steps++
	})
	tcb.Resume()
	if steps != 1 {
		t.Fatalf("steps after first resume = %d, want 1", steps)
	}
	tcb.Resume()
	if steps != 2 {
		t.Fatalf("steps after second resume = %d, want 2", steps)
	}
}
