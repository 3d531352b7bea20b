package icache

import (
	"sort"
	"sync"
)

// Cache maps inode numbers to the inodes held by one layer.
type Cache struct {
	inodes map[uint64]*Inode
	size   int
	mu     sync.RWMutex
}

// New allocates a cache sized for sizeHint inodes.
func New(sizeHint int) *Cache {
	return &Cache{
		inodes: make(map[uint64]*Inode, sizeHint),
		size:   sizeHint,
	}
}

// SizeHint returns the size the cache was created with.
func (c *Cache) SizeHint() int {
	return c.size
}

// Get returns the inode ino, or nil.
func (c *Cache) Get(ino uint64) *Inode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inodes[ino]
}

// Insert adds inode unless another inode with the same number is already
// cached, in which case the cached one is returned.
func (c *Cache) Insert(inode *Inode) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.inodes[inode.Ino]; ok {
		return cur
	}
	c.inodes[inode.Ino] = inode
	return inode
}

// Replace adds inode, dropping any cached inode with the same number.
func (c *Cache) Replace(inode *Inode) {
	c.mu.Lock()
	c.inodes[inode.Ino] = inode
	c.mu.Unlock()
}

// Remove drops ino and returns the dropped inode, or nil.
func (c *Cache) Remove(ino uint64) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	inode := c.inodes[ino]
	delete(c.inodes, ino)
	return inode
}

// Len returns the number of cached inodes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inodes)
}

// Inodes returns the cached inodes ordered by number.
func (c *Cache) Inodes() []*Inode {
	c.mu.RLock()
	out := make([]*Inode, 0, len(c.inodes))
	for _, inode := range c.inodes {
		out = append(out, inode)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Ino < out[b].Ino })
	return out
}

// MoveTo moves every inode into dst and leaves c empty. When replace is
// false inodes already present in dst win and the moved copies are dropped.
func (c *Cache) MoveTo(dst *Cache, replace bool) {
	c.mu.Lock()
	moved := c.inodes
	c.inodes = make(map[uint64]*Inode, c.size)
	c.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	for ino, inode := range moved {
		if _, ok := dst.inodes[ino]; ok && !replace {
			continue
		}
		dst.inodes[ino] = inode
	}
}

// Reset drops every inode.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.inodes = make(map[uint64]*Inode, c.size)
	c.mu.Unlock()
}
