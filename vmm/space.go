// Package vmm implements the address-space model: an ordered list of
// typed regions over a page table, the ELF loader, the fork
// deep-clone, kernel-space construction, activation, and
// cross-address-space copy helpers.
package vmm

import (
	"sync"

	"rvcore/arch"
	"rvcore/defs"
	"rvcore/mem"
	"rvcore/pagetable"
)

// MapType distinguishes the two region kinds.
type MapType int

const (
	// Identical maps vpn == ppn; used only in the kernel address space.
	Identical MapType = iota
	// Framed backs each virtual page with an owned physical frame.
	Framed
)

// Region is one entry of an address space's ordered region list.
type Region struct {
	Start, End arch.Vpn // [Start, End), page granularity
	Type       MapType
	Perms      arch.PteFlags
	frames     map[arch.Vpn]*mem.Frame // Framed only
}

func (r *Region) contains(vpn arch.Vpn) bool { return vpn >= r.Start && vpn < r.End }

// overlaps reports whether [start,end) intersects this region's range.
func (r *Region) overlaps(start, end arch.Vpn) bool {
	return start < r.End && end > r.Start
}

// Space is a process (or the kernel's) address space: a page table plus
// the ordered region list that owns every Framed frame.
type Space struct {
	mu      sync.Mutex
	Table   *pagetable.Table
	Alloc   *mem.Allocator
	Regions []*Region

	trampolinePpn arch.Ppn
	hasTrampoline bool

	// BreakBase/BreakTop track the growth region appended, empty, above
	// the user stack by FromElf. No syscall in this ABI grows it; the
	// only thing that extends BreakTop is package userland's scratch
	// reservation.
	BreakBase, BreakTop arch.Vpn
}

// NewBare returns an address space with an empty table and no regions.
func NewBare(alloc *mem.Allocator) (*Space, defs.Err_t) {
	t, err := pagetable.New(alloc)
	if err != 0 {
		return nil, err
	}
	return &Space{Table: t, Alloc: alloc}, defs.ENONE
}

// mapTrampoline installs the shared trampoline page identically in every
// address space at arch.Trampoline, R|X, never listed as a region —
// it is never cloned, resized, or reclaimed per-process.
func (s *Space) mapTrampoline(trampolinePpn arch.Ppn) defs.Err_t {
	vpn := arch.VaToVpn(arch.Trampoline)
	if err := s.Table.Map(vpn, trampolinePpn, arch.PTE_R|arch.PTE_X); err != 0 {
		return err
	}
	s.trampolinePpn = trampolinePpn
	s.hasTrampoline = true
	return defs.ENONE
}

// NewBareWithTrampoline is NewBare plus the trampoline mapping every
// user and kernel space requires.
func NewBareWithTrampoline(alloc *mem.Allocator, trampolinePpn arch.Ppn) (*Space, defs.Err_t) {
	s, err := NewBare(alloc)
	if err != 0 {
		return nil, err
	}
	if err := s.mapTrampoline(trampolinePpn); err != 0 {
		return nil, err
	}
	return s, defs.ENONE
}

// Segment is a [Start,End) virtual-address range used to describe the
// kernel's own text/rodata/data/bss+stack/free-memory windows. The
// addresses it names come from the linker and boot loader; vmm only
// needs the ranges.
type Segment struct {
	Start, End arch.Va
}

func (g Segment) vpnRange() (arch.Vpn, arch.Vpn) {
	return arch.VaToVpn(g.Start), arch.Vpn((uint64(g.End)+arch.PGOFFSET)>>arch.PGSHIFT)
}

// KernelLayout describes the kernel's own address space: five
// Identical regions plus any number of MMIO windows.
type KernelLayout struct {
	Text, Rodata, Data, BssStack, FreeMem Segment
	MMIO                                  []Segment
}

// NewKernel builds the kernel address space: five Identical regions
// (text R|X, rodata R, data R|W, bss+stack R|W, free-memory R|W)
// followed by each MMIO window (R|W, Identical), then the trampoline.
func NewKernel(alloc *mem.Allocator, trampolinePpn arch.Ppn, layout KernelLayout) (*Space, defs.Err_t) {
	s, err := NewBare(alloc)
	if err != 0 {
		return nil, err
	}
	add := func(seg Segment, perms arch.PteFlags) defs.Err_t {
		return s.addIdentical(seg, perms)
	}
	steps := []struct {
		seg   Segment
		perms arch.PteFlags
	}{
		{layout.Text, arch.PTE_R | arch.PTE_X},
		{layout.Rodata, arch.PTE_R},
		{layout.Data, arch.PTE_R | arch.PTE_W},
		{layout.BssStack, arch.PTE_R | arch.PTE_W},
		{layout.FreeMem, arch.PTE_R | arch.PTE_W},
	}
	for _, st := range steps {
		if e := add(st.seg, st.perms); e != 0 {
			return nil, e
		}
	}
	for _, mmio := range layout.MMIO {
		if e := add(mmio, arch.PTE_R|arch.PTE_W); e != 0 {
			return nil, e
		}
	}
	if e := s.mapTrampoline(trampolinePpn); e != 0 {
		return nil, e
	}
	return s, defs.ENONE
}

func (s *Space) addIdentical(seg Segment, perms arch.PteFlags) defs.Err_t {
	start, end := seg.vpnRange()
	for vpn := start; vpn < end; vpn++ {
		ppn := arch.Ppn(vpn) // Identical: vpn == ppn
		if err := s.Table.Map(vpn, ppn, perms); err != 0 && err != defs.EALREADYMAPPED {
			return err
		}
	}
	s.Regions = append(s.Regions, &Region{Start: start, End: end, Type: Identical, Perms: perms})
	return defs.ENONE
}

// insertFramed allocates a fresh frame per page in [start,end), maps it
// with perms, and appends the owning region.
func (s *Space) insertFramed(start, end arch.Vpn, perms arch.PteFlags) (*Region, defs.Err_t) {
	r := &Region{Start: start, End: end, Type: Framed, Perms: perms, frames: make(map[arch.Vpn]*mem.Frame)}
	for vpn := start; vpn < end; vpn++ {
		f, err := s.Alloc.Alloc()
		if err != 0 {
			// unwind frames already allocated for this region
			for _, fr := range r.frames {
				fr.Dealloc()
			}
			return nil, err
		}
		if err := s.Table.Map(vpn, f.Ppn(), perms); err != 0 {
			f.Dealloc()
			for _, fr := range r.frames {
				fr.Dealloc()
			}
			return nil, err
		}
		r.frames[vpn] = f
	}
	s.Regions = append(s.Regions, r)
	return r, defs.ENONE
}

// InsertFramedRange allocates and maps a fresh Framed region over
// [start,end), for callers outside this package that need to grow an
// existing space after construction (pid's kernel-stack mapping,
// userland's scratch-region reservation).
func (s *Space) InsertFramedRange(start, end arch.Vpn, perms arch.PteFlags) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertFramed(start, end, perms)
	return err
}

// Lookup returns the region containing vpn, if any.
func (s *Space) Lookup(vpn arch.Vpn) (*Region, bool) {
	for _, r := range s.Regions {
		if r.contains(vpn) {
			return r, true
		}
	}
	return nil, false
}

// Activate writes this space's token into the hart's MMU-root register
// and flushes the translation cache, ordered after the write.
func (s *Space) Activate(h arch.Hart) {
	h.ActivateToken(s.Table.Token())
	h.FlushTLB(0, 0)
}

// Teardown releases every Framed region's frames and the page table
// itself. Identical regions (kernel only) own no frames and are simply
// dropped from the list.
func (s *Space) Teardown() {
	for _, r := range s.Regions {
		if r.Type == Framed {
			for _, f := range r.frames {
				f.Dealloc()
			}
		}
	}
	s.Regions = nil
	s.Table.Destroy()
}
