package fs

import (
	"bytes"
	"testing"

	"rvcore/blockdev"
	"rvcore/defs"
)

func mustMkfs(t *testing.T, totalBlocks, inodeBitmapBlocks int) *FileSystem {
	t.Helper()
	dev := blockdev.NewMemdev(totalBlocks)
	f, err := Mkfs(dev, totalBlocks, inodeBitmapBlocks)
	if err != defs.ENONE {
		t.Fatalf("Mkfs: %v", err)
	}
	return f
}

func TestMkfsLayoutMatchesScenario(t *testing.T) {
	f := mustMkfs(t, 4096, 1)
	if f.sb.DataBitmapBlocks != 1 {
		t.Fatalf("data bitmap blocks = %d, want 1", f.sb.DataBitmapBlocks)
	}
	if f.sb.InodeAreaBlocks != 1024 {
		t.Fatalf("inode area blocks = %d, want 1024", f.sb.InodeAreaBlocks)
	}
}

func TestSuperblockMagicBytesOnDisk(t *testing.T) {
	dev := blockdev.NewMemdev(4096)
	if _, err := Mkfs(dev, 4096, 1); err != defs.ENONE {
		t.Fatalf("Mkfs: %v", err)
	}
	want := []byte{0x01, 0x00, 0x80, 0x3b}
	if got := dev.Bytes()[:4]; !bytes.Equal(got, want) {
		t.Fatalf("magic bytes = %x, want %x", got, want)
	}
}

func TestRootIsEmptyDirectory(t *testing.T) {
	f := mustMkfs(t, 4096, 1)
	root := f.Root()
	if !root.IsDir() {
		t.Fatal("root is not a directory")
	}
	if got := root.Ls(); len(got) != 0 {
		t.Fatalf("fresh root has entries: %v", got)
	}
}

func TestCreateFindLs(t *testing.T) {
	f := mustMkfs(t, 4096, 1)
	root := f.Root()

	child, err := root.Create("hello.txt", TypeFile)
	if err != defs.ENONE {
		t.Fatalf("Create: %v", err)
	}
	if _, err := root.Create("hello.txt", TypeFile); err != defs.EEXIST {
		t.Fatalf("duplicate Create err = %v, want EEXIST", err)
	}

	found, err := root.Find("hello.txt")
	if err != defs.ENONE || found.Id() != child.Id() {
		t.Fatalf("Find: got (%v,%v), want child id %d", found, err, child.Id())
	}

	if _, err := root.Find("missing"); err != defs.ENOINODE {
		t.Fatalf("Find missing err = %v, want ENOINODE", err)
	}

	names := root.Ls()
	if len(names) != 1 || names[0] != "hello.txt" {
		t.Fatalf("Ls = %v", names)
	}
}

func TestReadWriteRoundtrip(t *testing.T) {
	f := mustMkfs(t, 4096, 1)
	root := f.Root()
	file, err := root.Create("data", TypeFile)
	if err != defs.ENONE {
		t.Fatalf("Create: %v", err)
	}

	payload := bytes.Repeat([]byte("the quick brown fox "), 40) // > one block
	n, err := file.WriteAt(payload, 0)
	if err != defs.ENONE || n != len(payload) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	if file.Size() != uint32(len(payload)) {
		t.Fatalf("Size = %d, want %d", file.Size(), len(payload))
	}

	out := make([]byte, len(payload))
	got := file.ReadAt(out, 0)
	if got != len(payload) || !bytes.Equal(out, payload) {
		t.Fatalf("ReadAt mismatch: got %d bytes", got)
	}
}

func TestWriteSpansIndirectBlock(t *testing.T) {
	f := mustMkfs(t, 4096, 1)
	root := f.Root()
	file, err := root.Create("big", TypeFile)
	if err != defs.ENONE {
		t.Fatalf("Create: %v", err)
	}

	// NDirect (28) blocks * 512 bytes puts us past direct pointers into
	// the single-indirect range.
	size := (NDirect + 3) * 512
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := file.WriteAt(payload, 0); err != defs.ENONE {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, size)
	if n := file.ReadAt(out, 0); n != size {
		t.Fatalf("ReadAt short: %d", n)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("indirect-block roundtrip mismatch")
	}
}

func TestClearFreesBlocks(t *testing.T) {
	f := mustMkfs(t, 4096, 1)
	root := f.Root()
	file, _ := root.Create("tmp", TypeFile)
	file.WriteAt(bytes.Repeat([]byte{1}, 600), 0)
	if file.Size() == 0 {
		t.Fatal("expected nonzero size before clear")
	}
	file.Clear()
	if file.Size() != 0 {
		t.Fatalf("size after Clear = %d, want 0", file.Size())
	}
	// data bit 0 holds the root directory's entry block; the file's two
	// blocks were bits 1 and 2, so the lowest free bit is 1 again.
	if bit, ok := f.dataBitmap.Alloc(); !ok || bit != 1 {
		t.Fatalf("data alloc after Clear = (%d,%v), want (1,true)", bit, ok)
	}
}

func TestMountRejectsBadMagic(t *testing.T) {
	dev := blockdev.NewMemdev(64)
	if _, err := Mount(dev); err != defs.EINVAL {
		t.Fatalf("Mount of zeroed device err = %v, want EINVAL", err)
	}
}
