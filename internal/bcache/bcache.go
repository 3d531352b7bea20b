// Package bcache implements the block cache owned by a base layer and shared
// by reference with every layer branched from it.
package bcache

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-lcfs/internal/interfaces"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

var _ interfaces.BlockCache = (*Cache)(nil)

type page struct {
	data  []byte
	dirty bool
}

// Cache maps physical blocks to page contents. Blocks are never shared
// between writers (writes always land in blocks owned by the writing layer),
// so one cache can serve a whole chain of layers.
type Cache struct {
	dev      interfaces.BlockDevice
	pages    map[uint64]*page
	capacity int
	mu       sync.Mutex

	hits   int64
	misses int64
}

// New creates a cache of up to capacity clean pages in front of dev.
func New(dev interfaces.BlockDevice, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		dev:      dev,
		pages:    make(map[uint64]*page, capacity),
		capacity: capacity,
	}
}

// Read returns a copy of the contents of block.
func (c *Cache) Read(block uint64) ([]byte, error) {
	c.mu.Lock()
	if p, ok := c.pages[block]; ok {
		c.hits++
		data := append([]byte(nil), p.data...)
		c.mu.Unlock()
		return data, nil
	}
	c.misses++
	c.mu.Unlock()

	data := make([]byte, types.BlockSize)
	if err := c.dev.ReadBlock(block, data); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.pages[block]; !ok {
		c.evictLocked()
		c.pages[block] = &page{data: append([]byte(nil), data...)}
	}
	c.mu.Unlock()
	return data, nil
}

// Write replaces the contents of block and marks it dirty.
func (c *Cache) Write(block uint64, data []byte) error {
	if len(data) != types.BlockSize {
		return fmt.Errorf("page for block %d is %d bytes, need %d", block, len(data), types.BlockSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pages[block]; ok {
		copy(p.data, data)
		p.dirty = true
		return nil
	}
	c.evictLocked()
	c.pages[block] = &page{data: append([]byte(nil), data...), dirty: true}
	return nil
}

// evictLocked drops clean pages until there is room for one more. Dirty
// pages stay until flushed or invalidated.
func (c *Cache) evictLocked() {
	for block, p := range c.pages {
		if len(c.pages) < c.capacity {
			return
		}
		if !p.dirty {
			delete(c.pages, block)
		}
	}
}

// FlushDirty writes the listed dirty blocks to the device and marks them
// clean. Blocks that are not cached or already clean are skipped.
func (c *Cache) FlushDirty(blocks []uint64) error {
	for _, block := range blocks {
		c.mu.Lock()
		p, ok := c.pages[block]
		if !ok || !p.dirty {
			c.mu.Unlock()
			continue
		}
		data := append([]byte(nil), p.data...)
		p.dirty = false
		c.mu.Unlock()

		if err := c.dev.WriteBlock(block, data); err != nil {
			c.mu.Lock()
			p.dirty = true
			c.mu.Unlock()
			return err
		}
	}
	return nil
}

// Invalidate drops the listed blocks, discarding dirty contents.
func (c *Cache) Invalidate(blocks []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, block := range blocks {
		delete(c.pages, block)
	}
}

// InvalidateClean drops the listed blocks unless they are dirty.
func (c *Cache) InvalidateClean(blocks []uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, block := range blocks {
		if p, ok := c.pages[block]; ok && !p.dirty {
			delete(c.pages, block)
			n++
		}
	}
	return n
}

// Dirty reports whether block is cached and dirty.
func (c *Cache) Dirty(block uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[block]
	return ok && p.dirty
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// HitRate returns the cache hit rate as a percentage.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0.0
	}
	return float64(c.hits) / float64(total) * 100.0
}
