package bitmap

import (
	"testing"

	"rvcore/bcache"
	"rvcore/blockdev"
)

func newBitmap(blocks int) *Bitmap {
	dev := blockdev.NewMemdev(blocks + 1)
	cache := bcache.New(dev)
	return New(cache, 0, blocks)
}

func TestAllocReturnsDistinctAscendingBits(t *testing.T) {
	b := newBitmap(1)
	a, ok := b.Alloc()
	if !ok || a != 0 {
		t.Fatalf("first alloc = (%d,%v), want (0,true)", a, ok)
	}
	c, ok := b.Alloc()
	if !ok || c != 1 {
		t.Fatalf("second alloc = (%d,%v), want (1,true)", c, ok)
	}
}

func TestMaximum(t *testing.T) {
	if got := newBitmap(3).Maximum(); got != 3*4096 {
		t.Fatalf("Maximum = %d, want %d", got, 3*4096)
	}
}

func TestExhaustionThenDeallocReuse(t *testing.T) {
	b := newBitmap(1)
	for i := 0; i < 4096; i++ {
		bit, ok := b.Alloc()
		if !ok {
			t.Fatalf("alloc %d failed early", i)
		}
		if bit != i {
			t.Fatalf("alloc %d returned bit %d", i, bit)
		}
	}
	if _, ok := b.Alloc(); ok {
		t.Fatal("alloc on a full bitmap succeeded")
	}
	b.Dealloc(0)
	bit, ok := b.Alloc()
	if !ok || bit != 0 {
		t.Fatalf("alloc after dealloc(0) = (%d,%v), want (0,true)", bit, ok)
	}
}

func TestAllocSpansBlockBoundary(t *testing.T) {
	b := newBitmap(2)
	for i := 0; i < 4096; i++ {
		b.Alloc()
	}
	bit, ok := b.Alloc()
	if !ok || bit != 4096 {
		t.Fatalf("first bit of second block = (%d,%v), want (4096,true)", bit, ok)
	}
}

func TestDeallocClearPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on dealloc of a clear bit")
		}
	}()
	newBitmap(1).Dealloc(5)
}
