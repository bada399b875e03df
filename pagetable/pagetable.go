// Package pagetable implements the three-level SV39-style page-table
// walker: map/unmap with permission flags, read-only translation, and
// a foreign-address-space view rooted at another space's token.
package pagetable

import (
	"rvcore/arch"
	"rvcore/defs"
	"rvcore/mem"
)

// rawPte packs a frame number and permission flags exactly as SV39 does:
// flags in bits 0-7, frame number from bit 10 up. arch.PteFlags already
// matches the hardware bit positions, so encode/decode is a shift.
type rawPte uint64

const ppnShift = 10

func makeRawPte(ppn arch.Ppn, flags arch.PteFlags) rawPte {
	return rawPte(uint64(ppn)<<ppnShift | uint64(flags))
}

func (p rawPte) ppn() arch.Ppn      { return arch.Ppn(uint64(p) >> ppnShift) }
func (p rawPte) flags() arch.PteFlags { return arch.PteFlags(uint64(p) & 0xff) }
func (p rawPte) valid() bool        { return p.flags()&arch.PTE_V != 0 }

// node is one page-table page: 512 eight-byte raw entries.
const entriesPerNode = arch.PTENTRIES

// Table is a three-level page table tree. The root frame and every
// interior-node frame it allocates are owned exclusively by this
// Table, so destruction cascades.
type Table struct {
	alloc *mem.Allocator
	root  *mem.Frame
	owned []*mem.Frame // interior nodes only; root tracked separately

	foreign     bool // true for FromToken views: no frame set, no reclamation
	foreignRoot arch.Ppn
}

// New allocates a fresh, empty root node.
func New(alloc *mem.Allocator) (*Table, defs.Err_t) {
	root, err := alloc.Alloc()
	if err != 0 {
		return nil, err
	}
	return &Table{alloc: alloc, root: root}, defs.ENONE
}

// FromToken constructs a read-only view rooted at a foreign address
// space's root frame. Its frame set is empty
// so destroying this view never reclaims anything.
func FromToken(alloc *mem.Allocator, tok arch.Token) *Table {
	return &Table{alloc: alloc, foreign: true, foreignRoot: tok.RootPpn()}
}

func (t *Table) rootPpn() arch.Ppn {
	if t.foreign {
		return t.foreignRoot
	}
	return t.root.Ppn()
}

func (t *Table) nodeBytes(ppn arch.Ppn) []byte {
	return t.alloc.PageBytes(ppn)
}

func (t *Table) entry(ppn arch.Ppn, idx uint64) rawPte {
	b := t.nodeBytes(ppn)
	off := int(idx) * 8
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * uint(i))
	}
	return rawPte(v)
}

func (t *Table) setEntry(ppn arch.Ppn, idx uint64, v rawPte) {
	b := t.nodeBytes(ppn)
	off := int(idx) * 8
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[off+i] = byte(u >> (8 * uint(i)))
	}
}

// walk descends the tree for vpn, creating missing interior nodes when
// create is true. It returns the frame number and index of the leaf
// entry's slot, or ok=false if the walk couldn't continue (a leaf
// occupies a level that should have been interior, or allocation failed
// with create requested).
func (t *Table) walk(vpn arch.Vpn, create bool) (nodePpn arch.Ppn, idx uint64, ok bool) {
	cur := t.rootPpn()
	for level := 0; level < arch.PTLEVELS-1; level++ {
		i := vpn.Index(level)
		pte := t.entry(cur, i)
		if !pte.valid() {
			if !create {
				return 0, 0, false
			}
			if t.foreign {
				panic("pagetable: cannot create entries in a foreign view")
			}
			child, err := t.alloc.Alloc()
			if err != 0 {
				return 0, 0, false
			}
			t.owned = append(t.owned, child)
			t.setEntry(cur, i, makeRawPte(child.Ppn(), arch.PTE_V))
			cur = child.Ppn()
			continue
		}
		if pte.IsLeafFlags() {
			// a leaf sits where an interior node was expected
			return 0, 0, false
		}
		cur = pte.ppn()
	}
	return cur, vpn.Index(arch.PTLEVELS - 1), true
}

// IsLeafFlags reports whether a raw PTE's flags mark it as translating
// rather than interior. Exposed as a method on rawPte for readability at
// call sites above.
func (p rawPte) IsLeafFlags() bool { return p.flags().IsLeaf() }

// Map installs a translation vpn -> ppn with the given leaf flags.
// PTE_V is implied. Fails with AlreadyMapped if
// the leaf already has PTE_V set.
func (t *Table) Map(vpn arch.Vpn, ppn arch.Ppn, flags arch.PteFlags) defs.Err_t {
	if t.foreign {
		panic("pagetable: cannot map into a foreign view")
	}
	nodePpn, idx, ok := t.walk(vpn, true)
	if !ok {
		return defs.ENOMEM
	}
	if t.entry(nodePpn, idx).valid() {
		return defs.EALREADYMAPPED
	}
	t.setEntry(nodePpn, idx, makeRawPte(ppn, flags|arch.PTE_V))
	return defs.ENONE
}

// Unmap clears the leaf entry for vpn. Interior nodes are left in
// place.
func (t *Table) Unmap(vpn arch.Vpn) defs.Err_t {
	if t.foreign {
		panic("pagetable: cannot unmap in a foreign view")
	}
	nodePpn, idx, ok := t.walk(vpn, false)
	if !ok || !t.entry(nodePpn, idx).valid() {
		return defs.ENOTMAPPED
	}
	t.setEntry(nodePpn, idx, 0)
	return defs.ENONE
}

// Entry is the decoded view of a leaf PTE returned by Translate.
type Entry struct {
	Ppn   arch.Ppn
	Flags arch.PteFlags
}

// Translate performs a read-only walk for vpn.
func (t *Table) Translate(vpn arch.Vpn) (Entry, bool) {
	nodePpn, idx, ok := t.walk(vpn, false)
	if !ok {
		return Entry{}, false
	}
	pte := t.entry(nodePpn, idx)
	if !pte.valid() {
		return Entry{}, false
	}
	return Entry{Ppn: pte.ppn(), Flags: pte.flags()}, true
}

// TranslateVa adds the page offset back after translating the
// containing page.
func (t *Table) TranslateVa(va arch.Va) (arch.Pa, bool) {
	e, ok := t.Translate(arch.VaToVpn(va))
	if !ok {
		return 0, false
	}
	off := arch.Pa(va) & arch.PGOFFSET
	return arch.PpnToPa(e.Ppn) | off, true
}

// Token returns the architecture-defined identifier for this table.
func (t *Table) Token() arch.Token {
	return arch.MakeToken(arch.SatpSV39, t.rootPpn())
}

// Destroy releases the root frame and every interior-node frame this
// table owns. Leaf frames belong to the address space's regions, not to
// the table, and are released by the caller (vmm.Space.Teardown)
// before calling Destroy — region frames belong to the region list,
// node frames to the table tree. A foreign (FromToken) view owns
// nothing and Destroy is a no-op.
func (t *Table) Destroy() {
	if t.foreign {
		return
	}
	for _, f := range t.owned {
		f.Dealloc()
	}
	t.owned = nil
	t.root.Dealloc()
}

// PageBytes exposes the allocator's byte arena for a frame, used by
// callers (vmm) that need to read/write the contents of a mapped page
// once they already have its frame number from Translate.
func (t *Table) PageBytes(ppn arch.Ppn) []byte {
	return t.alloc.PageBytes(ppn)
}
