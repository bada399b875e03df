package vmm

import (
	"rvcore/arch"
	"rvcore/defs"
)

// pageSlice returns the kernel-visible byte slice of the page containing
// va, starting at va's in-page offset, and whether va resolves at all.
func (s *Space) pageSlice(va arch.Va) ([]byte, defs.Err_t) {
	vpn := arch.VaToVpn(va)
	r, ok := s.Lookup(vpn)
	if !ok || r.Type != Framed {
		return nil, defs.EFAULT
	}
	f, ok := r.frames[vpn]
	if !ok {
		return nil, defs.EFAULT
	}
	off := int(arch.Pa(va) & arch.PGOFFSET)
	return s.Alloc.PageBytes(f.Ppn())[off:], defs.ENONE
}

// UserBuffer is a contiguous user virtual range presented as the list of
// kernel-visible byte-slices that back it, one per physical frame it
// spans — a contiguous user virtual range may span multiple physical
// frames.
type UserBuffer struct {
	chunks [][]byte
}

// Chunks returns the underlying per-frame byte slices in address order.
func (b *UserBuffer) Chunks() [][]byte { return b.chunks }

// NewUserBufferForTest wraps a single kernel-owned byte slice as a
// UserBuffer, letting package tests exercise fd.File/pipe implementations
// without standing up a real address space.
func NewUserBufferForTest(b []byte) *UserBuffer {
	return &UserBuffer{chunks: [][]byte{b}}
}

// Len returns the buffer's total byte length.
func (b *UserBuffer) Len() int {
	n := 0
	for _, c := range b.chunks {
		n += len(c)
	}
	return n
}

// NewUserBuffer splits [va, va+n) into the kernel-visible byte slices
// that back it.
func (s *Space) NewUserBuffer(va arch.Va, n int) (*UserBuffer, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for n > 0 {
		chunk, err := s.pageSlice(va)
		if err != 0 {
			return nil, err
		}
		if len(chunk) > n {
			chunk = chunk[:n]
		}
		out = append(out, chunk)
		va += arch.Va(len(chunk))
		n -= len(chunk)
	}
	return &UserBuffer{chunks: out}, defs.ENONE
}

// CopyOut copies src into user memory starting at va, crossing page
// boundaries as needed.
func (s *Space) CopyOut(va arch.Va, src []byte) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := 0
	for off < len(src) {
		dst, err := s.pageSlice(va + arch.Va(off))
		if err != 0 {
			return err
		}
		n := copy(dst, src[off:])
		off += n
	}
	return defs.ENONE
}

// CopyIn copies len(dst) bytes from user memory starting at va into dst.
func (s *Space) CopyIn(dst []byte, va arch.Va) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := 0
	for off < len(dst) {
		src, err := s.pageSlice(va + arch.Va(off))
		if err != 0 {
			return err
		}
		n := copy(dst[off:], src)
		off += n
	}
	return defs.ENONE
}

// UserString copies a NUL-terminated string from user memory starting at
// va, up to lenmax bytes.
func (s *Space) UserString(va arch.Va, lenmax int) (string, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf []byte
	off := 0
	for {
		chunk, err := s.pageSlice(va + arch.Va(off))
		if err != 0 {
			return "", err
		}
		for i, c := range chunk {
			if c == 0 {
				buf = append(buf, chunk[:i]...)
				return string(buf), defs.ENONE
			}
		}
		buf = append(buf, chunk...)
		off += len(chunk)
		if len(buf) >= lenmax {
			return "", defs.ENAMETOOLONG
		}
	}
}

// Translate exposes a read-only va->pa translation through this space's
// page table. Trap dispatch does not call it: a user fault is
// classified by its trap cause alone.
func (s *Space) Translate(va arch.Va) (arch.Pa, bool) {
	return s.Table.TranslateVa(va)
}
