package vmm

import (
	"bytes"
	"testing"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/internal/testelf"
	"rvcore/mem"
)

func newSpaceFromElf(t *testing.T) (*mem.Allocator, *Space, arch.Va, arch.Va) {
	t.Helper()
	alloc := mem.NewAllocator(0, 4096)
	tf, err := alloc.Alloc()
	if err != 0 {
		t.Fatalf("alloc trampoline frame: %v", err)
	}
	s, sp, entry, err := FromElf(alloc, tf.Ppn(), testelf.Tiny())
	if err != 0 {
		t.Fatalf("FromElf: %v", err)
	}
	return alloc, s, sp, entry
}

func TestFromElfRejectsGarbage(t *testing.T) {
	alloc := mem.NewAllocator(0, 64)
	tf, _ := alloc.Alloc()
	if _, _, _, err := FromElf(alloc, tf.Ppn(), []byte("not an elf")); err != defs.EBADELF {
		t.Fatalf("err = %v, want EBADELF", err)
	}
}

func TestFromElfMapsSegmentsWithRegionPerms(t *testing.T) {
	_, s, sp, entry := newSpaceFromElf(t)
	if entry != 0x1000 {
		t.Fatalf("entry = %#x, want 0x1000", entry)
	}
	if sp == 0 {
		t.Fatal("user stack pointer is zero")
	}
	for _, r := range s.Regions {
		if r.Type != Framed {
			t.Fatal("user space contains a non-Framed region")
		}
		for vpn := r.Start; vpn < r.End; vpn++ {
			e, ok := s.Table.Translate(vpn)
			if !ok {
				t.Fatalf("vpn %#x in a Framed region does not translate", vpn)
			}
			if e.Flags&r.Perms != r.Perms {
				t.Fatalf("vpn %#x flags %#x missing region perms %#x", vpn, e.Flags, r.Perms)
			}
		}
	}
}

func TestFromElfLoadsFileBytes(t *testing.T) {
	_, s, _, _ := newSpaceFromElf(t)
	var got [4]byte
	if err := s.CopyIn(got[:], 0x1000); err != defs.ENONE {
		t.Fatalf("CopyIn: %v", err)
	}
	want := []byte{0x13, 0x00, 0x00, 0x00} // the fixture's single nop
	if !bytes.Equal(got[:], want) {
		t.Fatalf("loaded text = %x, want %x", got, want)
	}
}

func TestTrapContextPageMappedWithoutUserBit(t *testing.T) {
	_, s, _, _ := newSpaceFromElf(t)
	e, ok := s.Table.Translate(arch.VaToVpn(arch.TrapContext))
	if !ok {
		t.Fatal("trap-context page not mapped")
	}
	if e.Flags&arch.PTE_U != 0 {
		t.Fatal("trap-context page is user-accessible")
	}
	if e.Flags&(arch.PTE_R|arch.PTE_W) != arch.PTE_R|arch.PTE_W {
		t.Fatalf("trap-context flags = %#x, want R|W", e.Flags)
	}
}

func TestGuardPageBelowStackFaults(t *testing.T) {
	_, s, sp, _ := newSpaceFromElf(t)
	guardVa := sp - arch.Va((userStackPages+1)*arch.PGSIZE)
	var b [1]byte
	if err := s.CopyIn(b[:], guardVa); err == defs.ENONE {
		t.Fatal("read through the guard page succeeded")
	}
}

func TestTeardownReturnsFrames(t *testing.T) {
	alloc := mem.NewAllocator(0, 4096)
	tf, _ := alloc.Alloc()
	before := alloc.Free()
	s, _, _, err := FromElf(alloc, tf.Ppn(), testelf.Tiny())
	if err != 0 {
		t.Fatalf("FromElf: %v", err)
	}
	if alloc.Free() >= before {
		t.Fatal("FromElf allocated nothing")
	}
	s.Teardown()
	if got := alloc.Free(); got != before {
		t.Fatalf("free frames after Teardown = %d, want %d", got, before)
	}
}

func TestForkCloneIsDeepAndWritesArePrivate(t *testing.T) {
	alloc, s, sp, _ := newSpaceFromElf(t)
	marker := []byte("fork-marker")
	stackSlot := sp - arch.Va(len(marker))
	if err := s.CopyOut(stackSlot, marker); err != defs.ENONE {
		t.Fatalf("CopyOut: %v", err)
	}

	tf, _ := alloc.Alloc()
	child, err := FromExistingUser(s, tf.Ppn())
	if err != 0 {
		t.Fatalf("FromExistingUser: %v", err)
	}

	got := make([]byte, len(marker))
	if err := child.CopyIn(got, stackSlot); err != defs.ENONE {
		t.Fatalf("child CopyIn: %v", err)
	}
	if !bytes.Equal(got, marker) {
		t.Fatalf("child sees %q, want %q", got, marker)
	}

	// a write in the child must not leak into the parent
	if err := child.CopyOut(stackSlot, []byte("child-write")); err != defs.ENONE {
		t.Fatalf("child CopyOut: %v", err)
	}
	if err := s.CopyIn(got, stackSlot); err != defs.ENONE {
		t.Fatalf("parent CopyIn: %v", err)
	}
	if !bytes.Equal(got, marker) {
		t.Fatalf("parent's memory changed after child write: %q", got)
	}
}

func TestUserBufferSpansPages(t *testing.T) {
	_, s, sp, _ := newSpaceFromElf(t)
	// a range straddling the two stack pages must come back as two chunks
	start := sp - arch.Va(arch.PGSIZE) - 8
	buf, err := s.NewUserBuffer(start, 16)
	if err != defs.ENONE {
		t.Fatalf("NewUserBuffer: %v", err)
	}
	if len(buf.Chunks()) != 2 {
		t.Fatalf("chunks = %d, want 2", len(buf.Chunks()))
	}
	if buf.Len() != 16 {
		t.Fatalf("Len = %d, want 16", buf.Len())
	}
}
