package vmm

import (
	"bytes"
	"debug/elf"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/mem"
)

// Fixed sizing for the regions FromElf appends above the loaded image.
const (
	userStackPages = 2
	trapCtxPages   = 1
)

// FromElf parses data as an ELF image, maps one Framed region per
// PT_LOAD segment with permissions translated from PF_R/W/X (always
// user-accessible), copies the file bytes into the destination frames,
// and appends a guard page, a user stack, an empty break region, and the
// trap-context region. It returns the new space, the initial user
// stack pointer, and the entry point.
//
// The ELF format itself is read-only, by-header parsing, handed to
// debug/elf.
func FromElf(alloc *mem.Allocator, trampolinePpn arch.Ppn, data []byte) (*Space, arch.Va, arch.Va, defs.Err_t) {
	f, perr := elf.NewFile(bytes.NewReader(data))
	if perr != nil {
		return nil, 0, 0, defs.EBADELF
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return nil, 0, 0, defs.EBADELF
	}

	s, err := NewBareWithTrampoline(alloc, trampolinePpn)
	if err != 0 {
		return nil, 0, 0, err
	}

	var maxEndVpn arch.Vpn
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		perms := arch.PTE_U
		if prog.Flags&elf.PF_R != 0 {
			perms |= arch.PTE_R
		}
		if prog.Flags&elf.PF_W != 0 {
			perms |= arch.PTE_W
		}
		if prog.Flags&elf.PF_X != 0 {
			perms |= arch.PTE_X
		}
		start := arch.Va(prog.Vaddr)
		end := arch.Va(prog.Vaddr + prog.Memsz)
		startVpn := arch.VaToVpn(start)
		endVpn := arch.Vpn((uint64(end) + arch.PGOFFSET) >> arch.PGSHIFT)

		r, err := s.insertFramed(startVpn, endVpn, perms)
		if err != 0 {
			s.Teardown()
			return nil, 0, 0, err
		}
		segData := make([]byte, prog.Filesz)
		if _, rerr := prog.ReadAt(segData, 0); rerr != nil {
			s.Teardown()
			return nil, 0, 0, defs.EBADELF
		}
		copyIntoRegion(s, r, start, segData)

		if endVpn > maxEndVpn {
			maxEndVpn = endVpn
		}
	}

	// one guard page: simply unclaimed virtual space, no region added.
	stackBase := maxEndVpn + 1
	stackTop := stackBase + userStackPages

	if _, err := s.insertFramed(stackBase, stackTop, arch.PTE_R|arch.PTE_W|arch.PTE_U); err != 0 {
		s.Teardown()
		return nil, 0, 0, err
	}

	// empty break region directly above the user stack; no syscall
	// grows it in this ABI, so it starts zero-length.
	s.BreakBase = stackTop
	s.BreakTop = stackTop

	trapVpn := arch.VaToVpn(arch.TrapContext)
	if _, err := s.insertFramed(trapVpn, trapVpn+trapCtxPages, arch.PTE_R|arch.PTE_W); err != 0 {
		s.Teardown()
		return nil, 0, 0, err
	}

	userSp := arch.VpnToVa(stackTop)
	entry := arch.Va(f.Entry)
	return s, userSp, entry, defs.ENONE
}

// copyIntoRegion writes src into the Framed region r starting at virtual
// address start, one destination page at a time.
func copyIntoRegion(s *Space, r *Region, start arch.Va, src []byte) {
	off := 0
	va := start
	for off < len(src) {
		vpn := arch.VaToVpn(va)
		f := r.frames[vpn]
		pageOff := int(arch.Pa(va) & arch.PGOFFSET)
		dst := s.Alloc.PageBytes(f.Ppn())
		n := copy(dst[pageOff:], src[off:])
		off += n
		va += arch.Va(n)
	}
}
