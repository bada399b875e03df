package userland

import (
	"debug/elf"

	"rvcore/util"
)

// StubELF returns the smallest valid 64-bit RISC-V executable vmm.FromElf
// can load: one page, one instruction. A simulated Program's real
// "instructions" are the Go closure Launch drives, not machine code, but
// task.New still needs a genuine ELF to build the process's address
// space (stack, trap-context page, entry point) around — this is that
// scaffolding image, built the same way internal/testelf's fixture
// builds one for package tests.
func StubELF() []byte {
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
	util.PutLE64(eh, 32, ehsize)
	putLE16(eh, 52, ehsize)
	putLE16(eh, 54, phsize)
	putLE16(eh, 56, 1)

	ph := make([]byte, phsize)
	util.PutLE32(ph, 0, uint32(elf.PT_LOAD))
	util.PutLE32(ph, 4, uint32(elf.PF_R|elf.PF_X))
	util.PutLE64(ph, 8, ehsize+phsize)
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
