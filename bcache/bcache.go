// Package bcache implements a bounded, write-back block cache:
// capacity 16, FIFO-ish eviction skipping pinned entries, write-back
// on eviction or explicit sync. Each entry is a refcounted,
// per-entry-locked block wrapped around a blockdev.Device.
package bcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"rvcore/blockdev"
	"rvcore/defs"
)

// Capacity is the fixed number of blocks the cache holds at once.
const Capacity = 16

// entry is one cached disk block. refcount starts at 1 to represent
// the cache's own slot; each outstanding Handle adds one more. An
// entry is evictable exactly when refcount == 1.
type entry struct {
	sync.Mutex
	bid      int
	buf      []byte
	dirty    bool
	refcount int32
}

// Cache is a bounded, write-back cache of disk blocks.
type Cache struct {
	mu       sync.Mutex
	dev      blockdev.Device
	capacity int
	order    *list.List // front = first inserted
	elems    map[int]*list.Element
}

// New creates a cache of the fixed spec capacity over dev.
func New(dev blockdev.Device) *Cache {
	return &Cache{dev: dev, capacity: Capacity, order: list.New(), elems: make(map[int]*list.Element)}
}

// Handle is a reference-counted view of one cached block. Call Release
// when done; the entry is not necessarily evicted immediately — it only
// becomes eligible for eviction once every outstanding Handle has been
// released.
type Handle struct {
	e *entry
	c *Cache
}

// Get returns a handle to block bid, reading it from the device on
// first touch. If the cache is full, it evicts the first unpinned
// entry; if every entry is pinned, Get panics rather than returning an
// error a caller might paper over.
func (c *Cache) Get(bid int) *Handle {
	c.mu.Lock()
	if el, ok := c.elems[bid]; ok {
		e := el.Value.(*entry)
		atomic.AddInt32(&e.refcount, 1)
		c.mu.Unlock()
		return &Handle{e: e, c: c}
	}
	if c.order.Len() >= c.capacity {
		if !c.evictOneLocked() {
			c.mu.Unlock()
			panic("bcache: cache exhausted — every entry pinned")
		}
	}
	buf := make([]byte, blockdev.BlockSize)
	if err := c.dev.ReadBlock(bid, buf); err != nil {
		c.mu.Unlock()
		panic("bcache: device read failed: " + err.Error())
	}
	e := &entry{bid: bid, buf: buf, refcount: 2} // 1 for the cache slot, 1 for this handle
	el := c.order.PushBack(e)
	c.elems[bid] = el
	c.mu.Unlock()
	return &Handle{e: e, c: c}
}

// evictOneLocked removes the first unpinned entry, writing it back if
// dirty. Caller holds c.mu. Returns false if no entry was evictable.
func (c *Cache) evictOneLocked() bool {
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if atomic.LoadInt32(&e.refcount) == 1 {
			c.order.Remove(el)
			delete(c.elems, e.bid)
			c.writeBackLocked(e)
			return true
		}
	}
	return false
}

func (c *Cache) writeBackLocked(e *entry) {
	e.Lock()
	dirty := e.dirty
	buf := e.buf
	bid := e.bid
	e.Unlock()
	if dirty {
		if err := c.dev.WriteBlock(bid, buf); err != nil {
			panic("bcache: device write failed: " + err.Error())
		}
	}
}

// Release drops this handle's reference. It never evicts immediately;
// eviction is decided lazily by Get when the cache is full.
func (h *Handle) Release() {
	atomic.AddInt32(&h.e.refcount, -1)
}

// Bid returns the block id this handle refers to.
func (h *Handle) Bid() int { return h.e.bid }

// Lock acquires the per-entry mutex: at most one writer at a time per
// cache entry.
func (h *Handle) Lock() { h.e.Lock() }

// Unlock releases the per-entry mutex.
func (h *Handle) Unlock() { h.e.Unlock() }

// Bytes returns the 512-byte buffer. Callers must hold the handle's lock
// for any write, and must call MarkDirty after writing.
func (h *Handle) Bytes() []byte { return h.e.buf }

// MarkDirty marks this entry for write-back on eviction or sync.
func (h *Handle) MarkDirty() { h.e.dirty = true }

// SyncAll walks every cached entry and writes back those marked
// dirty.
func (c *Cache) SyncAll() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		c.writeBackLocked(e)
		e.Lock()
		e.dirty = false
		e.Unlock()
	}
	return defs.ENONE
}
