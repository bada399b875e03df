package vmm

import (
	"rvcore/arch"
	"rvcore/defs"
)

// FromExistingUser deep-clones a user address space: every region's
// shape is copied, and for Framed regions every page's bytes are copied
// into a freshly allocated destination frame. Physical memory is a
// single shared byte arena (mem.Allocator), so the copy is a direct
// slice copy between the two frames' bytes rather than going through
// an intermediate kernel mapping.
func FromExistingUser(src *Space, trampolinePpn arch.Ppn) (*Space, defs.Err_t) {
	dst, err := NewBareWithTrampoline(src.Alloc, trampolinePpn)
	if err != 0 {
		return nil, err
	}
	for _, r := range src.Regions {
		switch r.Type {
		case Identical:
			panic("vmm: user address space must not contain Identical regions")
		case Framed:
			nr, err := dst.insertFramed(r.Start, r.End, r.Perms)
			if err != 0 {
				dst.Teardown()
				return nil, err
			}
			for vpn := r.Start; vpn < r.End; vpn++ {
				srcF := r.frames[vpn]
				dstF := nr.frames[vpn]
				copy(dst.Alloc.PageBytes(dstF.Ppn()), src.Alloc.PageBytes(srcF.Ppn()))
			}
		}
	}
	dst.BreakBase, dst.BreakTop = src.BreakBase, src.BreakTop
	return dst, defs.ENONE
}

// TrapContextPpn returns the physical frame backing this space's
// trap-context page, used once at task-creation time to locate the
// frame to write the initial trap context into.
func (s *Space) TrapContextPpn() (arch.Ppn, bool) {
	e, ok := s.Table.Translate(arch.VaToVpn(arch.TrapContext))
	if !ok {
		return 0, false
	}
	return e.Ppn, true
}

// TrapContextBytes is a convenience wrapper returning the raw bytes of
// the trap-context page.
func (s *Space) TrapContextBytes() []byte {
	ppn, ok := s.TrapContextPpn()
	if !ok {
		panic("vmm: space has no trap context page")
	}
	return s.Alloc.PageBytes(ppn)
}
