package vfs

import (
	"container/list"

	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
)

const DefaultCacheSize = 1024

type cacheEntry struct {
	ino     uint32
	inode   layout.Inode
	element *list.Element
}

// inodeCache keeps decoded inode records, least recently used evicted
// first. It is owned by the engine and needs no locking.
type inodeCache struct {
	capacity int
	items    map[uint32]*cacheEntry
	lru      *list.List
}

func newInodeCache(capacity int) *inodeCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &inodeCache{
		capacity: capacity,
		items:    make(map[uint32]*cacheEntry),
		lru:      list.New(),
	}
}

func (c *inodeCache) get(ino uint32) (layout.Inode, bool) {
	entry, ok := c.items[ino]
	if !ok {
		return layout.Inode{}, false
	}
	c.lru.MoveToFront(entry.element)
	return entry.inode, true
}

func (c *inodeCache) put(ino uint32, in layout.Inode) {
	if entry, ok := c.items[ino]; ok {
		entry.inode = in
		c.lru.MoveToFront(entry.element)
		return
	}

	if c.lru.Len() >= c.capacity {
		c.evict()
	}

	entry := &cacheEntry{ino: ino, inode: in}
	entry.element = c.lru.PushFront(entry)
	c.items[ino] = entry
}

func (c *inodeCache) evict() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.items, entry.ino)
}

func (c *inodeCache) invalidate(ino uint32) {
	if entry, ok := c.items[ino]; ok {
		c.lru.Remove(entry.element)
		delete(c.items, ino)
	}
}

func (c *inodeCache) len() int {
	return c.lru.Len()
}
