// Package bitmap implements the bit-granular allocator layered on the
// block cache, used for both the inode bitmap and the data bitmap.
// Each block is viewed as 64 little-endian u64 words packed into 4096
// bits; all reads and writes go through the cache.
package bitmap

import (
	"math/bits"

	"rvcore/bcache"
	"rvcore/util"
)

// wordsPerBlock and bitsPerBlock describe how one block is packed: 64
// u64 words, 4096 bits.
const (
	wordsPerBlock = 64
	bitsPerWord   = 64
	bitsPerBlock  = wordsPerBlock * bitsPerWord // 4096
)

// Bitmap spans `blocks` contiguous disk blocks starting at startBlock.
type Bitmap struct {
	cache      *bcache.Cache
	startBlock int
	blocks     int
}

// New constructs a view over an existing on-disk bitmap region.
func New(cache *bcache.Cache, startBlock, blocks int) *Bitmap {
	return &Bitmap{cache: cache, startBlock: startBlock, blocks: blocks}
}

// Maximum returns the total number of bits this bitmap can track.
func (b *Bitmap) Maximum() int {
	return b.blocks * bitsPerBlock
}

// Alloc scans blocks in order, then words within a block in order, and
// claims the lowest clear bit in the first word that is not all-ones.
// It returns the absolute bit index and true, or
// false if the bitmap is fully allocated.
func (b *Bitmap) Alloc() (int, bool) {
	for blkIdx := 0; blkIdx < b.blocks; blkIdx++ {
		h := b.cache.Get(b.startBlock + blkIdx)
		h.Lock()
		buf := h.Bytes()
		for word := 0; word < wordsPerBlock; word++ {
			v := util.LE64(buf, word*8)
			if v != ^uint64(0) {
				bit := bits.TrailingZeros64(^v)
				v |= uint64(1) << uint(bit)
				util.PutLE64(buf, word*8, v)
				h.MarkDirty()
				h.Unlock()
				h.Release()
				return blkIdx*bitsPerBlock + word*bitsPerWord + bit, true
			}
		}
		h.Unlock()
		h.Release()
	}
	return 0, false
}

// Dealloc clears bit, which must currently be set. Panics if it was
// already clear — a double-free of a bitmap slot is a kernel bug, not
// a recoverable
// condition.
func (b *Bitmap) Dealloc(bit int) {
	blkIdx := bit / bitsPerBlock
	rem := bit % bitsPerBlock
	word := rem / bitsPerWord
	off := uint(rem % bitsPerWord)

	h := b.cache.Get(b.startBlock + blkIdx)
	h.Lock()
	buf := h.Bytes()
	v := util.LE64(buf, word*8)
	if v&(uint64(1)<<off) == 0 {
		h.Unlock()
		h.Release()
		panic("bitmap: dealloc of already-clear bit")
	}
	v &^= uint64(1) << off
	util.PutLE64(buf, word*8, v)
	h.MarkDirty()
	h.Unlock()
	h.Release()
}
