// Package testelf builds the smallest valid 64-bit RISC-V ELF image
// usable by vmm.FromElf, for tests across packages that need a real
// user program to load without shipping a prebuilt binary fixture.
package testelf

import (
	"debug/elf"

	"rvcore/util"
)

// Tiny returns a one-page, one-instruction RISC-V executable: a single
// PT_LOAD segment containing a nop, entry point 0x1000.
func Tiny() []byte {
	const ehsize = 64
	const phsize = 56
	const entry = uint64(0x1000)
	const vaddr = uint64(0x1000)
	text := []byte{0x13, 0x00, 0x00, 0x00} // addi x0,x0,0

	eh := make([]byte, ehsize)
	copy(eh[0:4], []byte{0x7f, 'E', 'L', 'F'})
	eh[4] = 2 // ELFCLASS64
	eh[5] = 1 // little-endian
	eh[6] = 1
	putLE16(eh, 16, uint16(elf.ET_EXEC))
	putLE16(eh, 18, uint16(elf.EM_RISCV))
	util.PutLE32(eh, 20, 1)
	util.PutLE64(eh, 24, entry)
	util.PutLE64(eh, 32, ehsize) // phoff
	putLE16(eh, 52, ehsize)
	putLE16(eh, 54, phsize)
	putLE16(eh, 56, 1) // phnum

	ph := make([]byte, phsize)
	util.PutLE32(ph, 0, uint32(elf.PT_LOAD))
	util.PutLE32(ph, 4, uint32(elf.PF_R|elf.PF_X))
	util.PutLE64(ph, 8, ehsize+phsize) // offset
	util.PutLE64(ph, 16, vaddr)
	util.PutLE64(ph, 24, vaddr)
	util.PutLE64(ph, 32, uint64(len(text)))
	util.PutLE64(ph, 40, uint64(len(text)))
	util.PutLE64(ph, 48, 0x1000)

	buf := append([]byte{}, eh...)
	buf = append(buf, ph...)
	buf = append(buf, text...)
	return buf
}

func putLE16(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}
