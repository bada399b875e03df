package mem

import "testing"

func TestAllocReturnsDistinctZeroedFrames(t *testing.T) {
	a := NewAllocator(0, 16)
	f1, err := a.Alloc()
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	f2, err := a.Alloc()
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	if f1.Ppn() == f2.Ppn() {
		t.Fatal("two live frames share a ppn")
	}
	for _, b := range f1.Bytes() {
		if b != 0 {
			t.Fatal("fresh frame not zeroed")
		}
	}
}

func TestRecycledFrameWinsOverBumpPointer(t *testing.T) {
	a := NewAllocator(0, 16)
	f1, _ := a.Alloc()
	want := f1.Ppn()
	f1.Dealloc()
	f2, _ := a.Alloc()
	if f2.Ppn() != want {
		t.Fatalf("recycled alloc returned %d, want %d", f2.Ppn(), want)
	}
}

func TestAllocFailsWhenExhausted(t *testing.T) {
	a := NewAllocator(0, 2)
	if _, err := a.Alloc(); err != 0 {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := a.Alloc(); err != 0 {
		t.Fatalf("second Alloc: %v", err)
	}
	if _, err := a.Alloc(); err == 0 {
		t.Fatal("Alloc past the region end did not fail")
	}
}

func TestDoubleDeallocPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	a := NewAllocator(0, 4)
	f, _ := a.Alloc()
	f.Dealloc()
	f.Dealloc()
}

func TestRecycledFrameComesBackZeroed(t *testing.T) {
	a := NewAllocator(0, 4)
	f1, _ := a.Alloc()
	f1.Bytes()[0] = 0xAA
	f1.Dealloc()
	f2, _ := a.Alloc()
	if f2.Bytes()[0] != 0 {
		t.Fatal("recycled frame handed out dirty")
	}
}
