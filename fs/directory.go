package fs

import (
	"rvcore/defs"
)

// dirEntry is the decoded form of one 32-byte directory record: a
// NUL-padded name (up to DirNameMax bytes) plus an inode id. The root
// directory is flat; every entry here names a file directly off root.
type dirEntry struct {
	Name string
	Ino  uint32
}

func decodeDirEntry(buf []byte) (dirEntry, bool) {
	nameBytes := buf[:DirNameMax+1]
	n := 0
	for n < len(nameBytes) && nameBytes[n] != 0 {
		n++
	}
	ino := uint32(buf[28]) | uint32(buf[29])<<8 | uint32(buf[30])<<16 | uint32(buf[31])<<24
	if n == 0 && ino == 0 {
		return dirEntry{}, false
	}
	return dirEntry{Name: string(nameBytes[:n]), Ino: ino}, true
}

func encodeDirEntry(e dirEntry, buf []byte) {
	clear(buf)
	copy(buf[:DirNameMax], e.Name)
	buf[28] = byte(e.Ino)
	buf[29] = byte(e.Ino >> 8)
	buf[30] = byte(e.Ino >> 16)
	buf[31] = byte(e.Ino >> 24)
}

// Find looks up name among this directory's entries and returns the
// backing inode, or ENOINODE if no entry matches.
func (ino *Inode) Find(name string) (*Inode, defs.Err_t) {
	if len(name) == 0 || len(name) > DirNameMax {
		return nil, defs.ENAMETOOLONG
	}
	size := ino.Size()
	buf := make([]byte, DirEntrySize)
	for off := uint32(0); off < size; off += DirEntrySize {
		n := ino.ReadAt(buf, off)
		if n < DirEntrySize {
			break
		}
		e, ok := decodeDirEntry(buf)
		if ok && e.Name == name {
			return &Inode{fs: ino.fs, id: int(e.Ino)}, defs.ENONE
		}
	}
	return nil, defs.ENOINODE
}

// Ls returns the names of every entry in this directory.
func (ino *Inode) Ls() []string {
	size := ino.Size()
	buf := make([]byte, DirEntrySize)
	var names []string
	for off := uint32(0); off < size; off += DirEntrySize {
		n := ino.ReadAt(buf, off)
		if n < DirEntrySize {
			break
		}
		if e, ok := decodeDirEntry(buf); ok {
			names = append(names, e.Name)
		}
	}
	return names
}

// Create allocates a fresh inode of the given type, appends a directory
// entry naming it, and returns the new inode. EEXIST if name is already
// present.
func (ino *Inode) Create(name string, itype uint32) (*Inode, defs.Err_t) {
	if len(name) == 0 || len(name) > DirNameMax {
		return nil, defs.ENAMETOOLONG
	}
	if _, err := ino.Find(name); err == defs.ENONE {
		return nil, defs.EEXIST
	}

	bit, ok := ino.fs.inodeBitmap.Alloc()
	if !ok {
		return nil, defs.ENOMEM
	}
	ino.fs.writeInode(bit, diskInode{Size: 0, Type: itype})

	buf := make([]byte, DirEntrySize)
	encodeDirEntry(dirEntry{Name: name, Ino: uint32(bit)}, buf)
	size := ino.Size()
	if _, err := ino.WriteAt(buf, size); err != defs.ENONE {
		ino.fs.inodeBitmap.Dealloc(bit)
		return nil, err
	}
	return &Inode{fs: ino.fs, id: bit}, defs.ENONE
}
