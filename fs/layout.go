// Package fs implements the on-disk block file system: the
// superblock/bitmap/inode-area/data-area layout, the inode abstraction
// with direct/indirect indices, and a flat root directory. Every
// mutation routes through the block cache; there is no logging.
package fs

import (
	"rvcore/bcache"
	"rvcore/bitmap"
	"rvcore/blockdev"
	"rvcore/defs"
	"rvcore/util"
)

// MagicNumber identifies a valid superblock.
const MagicNumber uint32 = 0x3b800001

// InodeSize is the fixed on-disk size of one inode record.
const InodeSize = 128

// InodesPerBlock is the number of inode records that fit in one block.
const InodesPerBlock = blockdev.BlockSize / InodeSize

// DirEntrySize is the fixed on-disk size of one directory entry.
const DirEntrySize = 32

// DirNameMax is the usable name length inside a directory entry; the
// name is NUL-padded to fill the record.
const DirNameMax = 27

// NDirect direct pointers, PtrsPerBlock pointers per single-indirect
// block, PtrsPerBlock*PtrsPerBlock through the double-indirect block:
// an inode addresses up to MaxDataBlocks = 28 + 128 + 128*128 = 16540
// data blocks.
const (
	NDirect       = 28
	PtrsPerBlock  = blockdev.BlockSize / 4 // 128 u32 pointers per block
	MaxDataBlocks = NDirect + PtrsPerBlock + PtrsPerBlock*PtrsPerBlock
)

// superblock is the fixed-field record stored in block 0.
type superblock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

const sbFieldCount = 6

func encodeSuperblock(sb superblock, buf []byte) {
	util.PutLE32(buf, 0, sb.Magic)
	util.PutLE32(buf, 4, sb.TotalBlocks)
	util.PutLE32(buf, 8, sb.InodeBitmapBlocks)
	util.PutLE32(buf, 12, sb.InodeAreaBlocks)
	util.PutLE32(buf, 16, sb.DataBitmapBlocks)
	util.PutLE32(buf, 20, sb.DataAreaBlocks)
}

func decodeSuperblock(buf []byte) superblock {
	return superblock{
		Magic:             util.LE32(buf, 0),
		TotalBlocks:       util.LE32(buf, 4),
		InodeBitmapBlocks: util.LE32(buf, 8),
		InodeAreaBlocks:   util.LE32(buf, 12),
		DataBitmapBlocks:  util.LE32(buf, 16),
		DataAreaBlocks:    util.LE32(buf, 20),
	}
}

// layout is the set of block-id offsets the superblock implies.
type layout struct {
	inodeBitmapStart int
	inodeAreaStart   int
	dataBitmapStart  int
	dataAreaStart    int
}

func (sb superblock) layout() layout {
	l := layout{inodeBitmapStart: 1}
	l.inodeAreaStart = l.inodeBitmapStart + int(sb.InodeBitmapBlocks)
	l.dataBitmapStart = l.inodeAreaStart + int(sb.InodeAreaBlocks)
	l.dataAreaStart = l.dataBitmapStart + int(sb.DataBitmapBlocks)
	return l
}

// FileSystem is a mounted block file system.
type FileSystem struct {
	cache       *bcache.Cache
	sb          superblock
	l           layout
	inodeBitmap *bitmap.Bitmap
	dataBitmap  *bitmap.Bitmap
}

// Mkfs computes bitmap/area sizes from totalBlocks and a caller-chosen
// inode-bitmap block count, writes a zeroed superblock with those sizes
// and the magic number, and creates the root directory inode at inode
// id 0 with type Directory and size 0. The size split is proportional:
// each data bitmap block can track up to 4096 data blocks, so it
// "costs" one block of the remainder it manages for every 4096 it
// frees up.
func Mkfs(dev blockdev.Device, totalBlocks, inodeBitmapBlocks int) (*FileSystem, defs.Err_t) {
	if totalBlocks < 3 || inodeBitmapBlocks < 1 {
		return nil, defs.EINVAL
	}
	maxInodes := inodeBitmapBlocks * 4096
	inodeAreaBlocks := util.Roundup(maxInodes, InodesPerBlock) / InodesPerBlock

	used := 1 + inodeBitmapBlocks + inodeAreaBlocks
	if used >= totalBlocks {
		return nil, defs.EINVAL
	}
	dataTotal := totalBlocks - used
	dataBitmapBlocks := (dataTotal + 4096) / 4097
	if dataBitmapBlocks < 1 {
		dataBitmapBlocks = 1
	}
	dataAreaBlocks := dataTotal - dataBitmapBlocks
	if dataAreaBlocks < 1 {
		return nil, defs.EINVAL
	}

	sb := superblock{
		Magic:             MagicNumber,
		TotalBlocks:       uint32(totalBlocks),
		InodeBitmapBlocks: uint32(inodeBitmapBlocks),
		InodeAreaBlocks:   uint32(inodeAreaBlocks),
		DataBitmapBlocks:  uint32(dataBitmapBlocks),
		DataAreaBlocks:    uint32(dataAreaBlocks),
	}

	cache := bcache.New(dev)
	h := cache.Get(0)
	h.Lock()
	clear(h.Bytes())
	encodeSuperblock(sb, h.Bytes())
	h.MarkDirty()
	h.Unlock()
	h.Release()

	fs := &FileSystem{cache: cache, sb: sb, l: sb.layout()}
	fs.inodeBitmap = bitmap.New(cache, fs.l.inodeBitmapStart, inodeBitmapBlocks)
	fs.dataBitmap = bitmap.New(cache, fs.l.dataBitmapStart, dataBitmapBlocks)

	// zero the inode area so stale bytes never leak into a freshly
	// allocated inode; data blocks are zeroed one by one as
	// allocDataBlock hands them out.
	for b := fs.l.inodeAreaStart; b < fs.l.dataBitmapStart; b++ {
		zh := cache.Get(b)
		zh.Lock()
		clear(zh.Bytes())
		zh.MarkDirty()
		zh.Unlock()
		zh.Release()
	}

	rootBit, ok := fs.inodeBitmap.Alloc()
	if !ok || rootBit != 0 {
		return nil, defs.ENOMEM
	}
	fs.writeInode(0, diskInode{Size: 0, Type: TypeDirectory})

	if err := fs.SyncAll(); err != 0 {
		return nil, err
	}
	return fs, defs.ENONE
}

// Mount reads an existing superblock from dev and returns the mounted
// file system, or EINVAL if the magic number does not match.
func Mount(dev blockdev.Device) (*FileSystem, defs.Err_t) {
	cache := bcache.New(dev)
	h := cache.Get(0)
	h.Lock()
	sb := decodeSuperblock(h.Bytes())
	h.Unlock()
	h.Release()
	if sb.Magic != MagicNumber {
		return nil, defs.EINVAL
	}
	fs := &FileSystem{cache: cache, sb: sb, l: sb.layout()}
	fs.inodeBitmap = bitmap.New(cache, fs.l.inodeBitmapStart, int(sb.InodeBitmapBlocks))
	fs.dataBitmap = bitmap.New(cache, fs.l.dataBitmapStart, int(sb.DataBitmapBlocks))
	return fs, defs.ENONE
}

// SyncAll writes back every dirty cached block.
func (fs *FileSystem) SyncAll() defs.Err_t {
	return fs.cache.SyncAll()
}

// Root returns the inode handle for the (sole) root directory, always
// inode id 0.
func (fs *FileSystem) Root() *Inode {
	return &Inode{fs: fs, id: 0}
}
