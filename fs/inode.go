package fs

import (
	"sync"

	"rvcore/defs"
	"rvcore/util"
)

// Inode types.
const (
	TypeFile      uint32 = 0
	TypeDirectory uint32 = 1
)

// diskInode is the decoded form of one 128-byte on-disk inode record:
// size, 28 direct block pointers, one single-indirect
// pointer, one double-indirect pointer, and a type tag.
type diskInode struct {
	Size   uint32
	Type   uint32
	Direct [NDirect]uint32
	Indir1 uint32
	Indir2 uint32
}

func decodeDiskInode(buf []byte) diskInode {
	var d diskInode
	d.Size = util.LE32(buf, 0)
	d.Type = util.LE32(buf, 4)
	for i := 0; i < NDirect; i++ {
		d.Direct[i] = util.LE32(buf, 8+i*4)
	}
	d.Indir1 = util.LE32(buf, 8+NDirect*4)
	d.Indir2 = util.LE32(buf, 8+NDirect*4+4)
	return d
}

func encodeDiskInode(d diskInode, buf []byte) {
	util.PutLE32(buf, 0, d.Size)
	util.PutLE32(buf, 4, d.Type)
	for i := 0; i < NDirect; i++ {
		util.PutLE32(buf, 8+i*4, d.Direct[i])
	}
	util.PutLE32(buf, 8+NDirect*4, d.Indir1)
	util.PutLE32(buf, 8+NDirect*4+4, d.Indir2)
}

// blocksForSize returns how many data blocks a file of the given byte
// size occupies.
func blocksForSize(size uint32) int {
	return int(util.Roundup(int(size), BlockSize()) / BlockSize())
}

// BlockSize is re-exported here in terms this package already imports,
// to keep read_at/write_at arithmetic terse.
func BlockSize() int { return 512 }

func (fs *FileSystem) inodeLocation(id int) (block, offset int) {
	block = fs.l.inodeAreaStart + id/InodesPerBlock
	offset = (id % InodesPerBlock) * InodeSize
	return
}

func (fs *FileSystem) readInode(id int) diskInode {
	block, offset := fs.inodeLocation(id)
	h := fs.cache.Get(block)
	h.Lock()
	d := decodeDiskInode(h.Bytes()[offset : offset+InodeSize])
	h.Unlock()
	h.Release()
	return d
}

func (fs *FileSystem) writeInode(id int, d diskInode) {
	block, offset := fs.inodeLocation(id)
	h := fs.cache.Get(block)
	h.Lock()
	encodeDiskInode(d, h.Bytes()[offset:offset+InodeSize])
	h.MarkDirty()
	h.Unlock()
	h.Release()
}

// indirectBlockPtr reads the ptrIdx'th u32 pointer stored in block bid.
func (fs *FileSystem) indirectBlockPtr(bid, ptrIdx int) uint32 {
	h := fs.cache.Get(bid)
	h.Lock()
	v := util.LE32(h.Bytes(), ptrIdx*4)
	h.Unlock()
	h.Release()
	return v
}

func (fs *FileSystem) setIndirectBlockPtr(bid, ptrIdx int, v uint32) {
	h := fs.cache.Get(bid)
	h.Lock()
	util.PutLE32(h.Bytes(), ptrIdx*4, v)
	h.MarkDirty()
	h.Unlock()
	h.Release()
}

func (fs *FileSystem) zeroBlock(bid int) {
	h := fs.cache.Get(bid)
	h.Lock()
	clear(h.Bytes())
	h.MarkDirty()
	h.Unlock()
	h.Release()
}

// allocDataBlock claims one bit from the data bitmap and returns the
// absolute device block id, or ENOMEM if the data area is exhausted.
func (fs *FileSystem) allocDataBlock() (int, defs.Err_t) {
	bit, ok := fs.dataBitmap.Alloc()
	if !ok {
		return 0, defs.ENOMEM
	}
	abs := fs.l.dataAreaStart + bit
	fs.zeroBlock(abs)
	return abs, defs.ENONE
}

func (fs *FileSystem) freeDataBlock(abs int) {
	fs.dataBitmap.Dealloc(abs - fs.l.dataAreaStart)
}

// Inode is a handle to one on-disk inode. Operations through one handle
// (read_at growth past EOF is not supported; write_at may grow the
// file) are serialized with that handle's mutex. Find and Create return
// a new handle on every call, so two handles naming the same inode id
// do not share a mutex.
type Inode struct {
	mu sync.Mutex
	fs *FileSystem
	id int
}

// Id returns this inode's id.
func (ino *Inode) Id() int { return ino.id }

// Size returns the inode's current byte size.
func (ino *Inode) Size() uint32 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.fs.readInode(ino.id).Size
}

// IsDir reports whether this inode is a directory.
func (ino *Inode) IsDir() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.fs.readInode(ino.id).Type == TypeDirectory
}

// blockAt resolves the abs device block id holding byte-block index
// blockIdx within the inode, allocating it (and any indirect blocks on
// the path to it) if grow is true and it does not yet exist.
func (ino *Inode) blockAt(d *diskInode, blockIdx int, grow bool) (int, defs.Err_t) {
	fs := ino.fs
	if blockIdx < NDirect {
		if d.Direct[blockIdx] == 0 {
			if !grow {
				return 0, defs.EINVAL
			}
			abs, err := fs.allocDataBlock()
			if err != defs.ENONE {
				return 0, err
			}
			d.Direct[blockIdx] = uint32(abs)
		}
		return int(d.Direct[blockIdx]), defs.ENONE
	}
	blockIdx -= NDirect
	if blockIdx < PtrsPerBlock {
		if d.Indir1 == 0 {
			if !grow {
				return 0, defs.EINVAL
			}
			abs, err := fs.allocDataBlock()
			if err != defs.ENONE {
				return 0, err
			}
			d.Indir1 = uint32(abs)
		}
		v := fs.indirectBlockPtr(int(d.Indir1), blockIdx)
		if v == 0 {
			if !grow {
				return 0, defs.EINVAL
			}
			abs, err := fs.allocDataBlock()
			if err != defs.ENONE {
				return 0, err
			}
			fs.setIndirectBlockPtr(int(d.Indir1), blockIdx, uint32(abs))
			return abs, defs.ENONE
		}
		return int(v), defs.ENONE
	}
	blockIdx -= PtrsPerBlock
	if blockIdx >= PtrsPerBlock*PtrsPerBlock {
		return 0, defs.EINVAL
	}
	l1idx := blockIdx / PtrsPerBlock
	l2idx := blockIdx % PtrsPerBlock
	if d.Indir2 == 0 {
		if !grow {
			return 0, defs.EINVAL
		}
		abs, err := fs.allocDataBlock()
		if err != defs.ENONE {
			return 0, err
		}
		d.Indir2 = uint32(abs)
	}
	l1 := fs.indirectBlockPtr(int(d.Indir2), l1idx)
	if l1 == 0 {
		if !grow {
			return 0, defs.EINVAL
		}
		abs, err := fs.allocDataBlock()
		if err != defs.ENONE {
			return 0, err
		}
		fs.setIndirectBlockPtr(int(d.Indir2), l1idx, uint32(abs))
		l1 = uint32(abs)
	}
	v := fs.indirectBlockPtr(int(l1), l2idx)
	if v == 0 {
		if !grow {
			return 0, defs.EINVAL
		}
		abs, err := fs.allocDataBlock()
		if err != defs.ENONE {
			return 0, err
		}
		fs.setIndirectBlockPtr(int(l1), l2idx, uint32(abs))
		return abs, defs.ENONE
	}
	return int(v), defs.ENONE
}

// ReadAt copies up to len(buf) bytes starting at file offset off into
// buf, stopping at EOF, and returns the number of bytes copied.
func (ino *Inode) ReadAt(buf []byte, off uint32) int {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	d := ino.fs.readInode(ino.id)
	if off >= d.Size {
		return 0
	}
	end := off + uint32(len(buf))
	if end > d.Size {
		end = d.Size
	}
	n := 0
	cur := off
	for cur < end {
		blockIdx := int(cur) / BlockSize()
		blockOff := int(cur) % BlockSize()
		abs, err := ino.blockAt(&d, blockIdx, false)
		if err != defs.ENONE {
			break
		}
		chunk := util.Min(BlockSize()-blockOff, int(end-cur))
		h := ino.fs.cache.Get(abs)
		h.Lock()
		copy(buf[n:n+chunk], h.Bytes()[blockOff:blockOff+chunk])
		h.Unlock()
		h.Release()
		n += chunk
		cur += uint32(chunk)
	}
	return n
}

// WriteAt copies buf into the file starting at offset off, allocating
// new data blocks (and growing Size) as needed, and returns the number
// of bytes written.
func (ino *Inode) WriteAt(buf []byte, off uint32) (int, defs.Err_t) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	d := ino.fs.readInode(ino.id)
	end := off + uint32(len(buf))
	n := 0
	cur := off
	for cur < end {
		blockIdx := int(cur) / BlockSize()
		blockOff := int(cur) % BlockSize()
		abs, err := ino.blockAt(&d, blockIdx, true)
		if err != defs.ENONE {
			ino.fs.writeInode(ino.id, d)
			return n, err
		}
		chunk := util.Min(BlockSize()-blockOff, int(end-cur))
		h := ino.fs.cache.Get(abs)
		h.Lock()
		copy(h.Bytes()[blockOff:blockOff+chunk], buf[n:n+chunk])
		h.MarkDirty()
		h.Unlock()
		h.Release()
		n += chunk
		cur += uint32(chunk)
	}
	if end > d.Size {
		d.Size = end
	}
	ino.fs.writeInode(ino.id, d)
	return n, defs.ENONE
}

// Clear releases every data block (direct, single- and double-indirect)
// and resets the inode to size 0, keeping its id and type.
func (ino *Inode) Clear() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	d := ino.fs.readInode(ino.id)
	nblocks := blocksForSize(d.Size)
	for i := 0; i < nblocks && i < NDirect; i++ {
		if d.Direct[i] != 0 {
			ino.fs.freeDataBlock(int(d.Direct[i]))
			d.Direct[i] = 0
		}
	}
	if d.Indir1 != 0 {
		for i := 0; i < PtrsPerBlock; i++ {
			v := ino.fs.indirectBlockPtr(int(d.Indir1), i)
			if v != 0 {
				ino.fs.freeDataBlock(int(v))
			}
		}
		ino.fs.freeDataBlock(int(d.Indir1))
		d.Indir1 = 0
	}
	if d.Indir2 != 0 {
		for i := 0; i < PtrsPerBlock; i++ {
			l1 := ino.fs.indirectBlockPtr(int(d.Indir2), i)
			if l1 == 0 {
				continue
			}
			for j := 0; j < PtrsPerBlock; j++ {
				v := ino.fs.indirectBlockPtr(int(l1), j)
				if v != 0 {
					ino.fs.freeDataBlock(int(v))
				}
			}
			ino.fs.freeDataBlock(int(l1))
		}
		ino.fs.freeDataBlock(int(d.Indir2))
		d.Indir2 = 0
	}
	d.Size = 0
	ino.fs.writeInode(ino.id, d)
}
