// Package layer implements the layer forest of a copy-on-write pool and the
// lifecycle operations on it: create, commit, delete, mount and unmount.
package layer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-lcfs/internal/bcache"
	"github.com/deploymenttheory/go-lcfs/internal/extent"
	"github.com/deploymenttheory/go-lcfs/internal/icache"
	"github.com/deploymenttheory/go-lcfs/internal/stats"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// Layer is one node of the forest. mu guards the inode cache, the
// superblock and the flags; linkage fields (parent, children, zfs) are
// guarded by the forest lock and only change while mu is held exclusive.
type Layer struct {
	mu sync.RWMutex

	pool   *Pool
	name   string
	id     uuid.UUID
	gindex int
	epoch  uint16
	root   uint64

	super     *types.Superblock
	sblock    uint64
	icache    *icache.Cache
	rootInode *icache.Inode
	bcache    *bcache.Cache
	base      *Layer
	stats     *stats.Stats

	parent   *Layer
	children []*Layer
	zfs      *Layer

	state            types.LayerState
	readOnly         bool
	frozen           bool
	rw               bool
	init             bool
	commitInProgress bool
	inProgress       bool

	mountCount atomic.Int32
	pcount     atomic.Int64

	// blocks allocated by this layer, and blocks it stopped using
	allocated *extent.List
	deferred  *extent.List
	dirty     map[uint64]struct{}
	allocMu   sync.Mutex
}

func (p *Pool) newLayer(name string, root uint64, flags uint32) *Layer {
	id := uuid.New()
	l := &Layer{
		pool:      p,
		name:      name,
		id:        id,
		root:      root,
		readOnly:  flags&types.SuperRDWR == 0,
		rw:        flags&types.SuperRDWR != 0,
		init:      flags&types.SuperInit != 0,
		allocated: extent.NewList(extent.Space, p.totalBlocks),
		deferred:  extent.NewList(extent.Space, p.totalBlocks),
		dirty:     make(map[uint64]struct{}),
		super: &types.Superblock{
			Magic:   types.SuperblockMagic,
			Version: types.SuperblockVersion,
			Flags:   flags,
			Index:   types.InvalidIndex,
			Root:    root,
			Zombie:  types.InvalidIndex,
			Parent:  types.InvalidIndex,
			UUID:    id,
		},
	}
	if p.cfg.StatsEnabled {
		l.stats = stats.New()
	}
	l.mountCount.Store(1)
	return l
}

// linkParent shares the block cache and base layer of pfs.
func (l *Layer) linkParent(pfs *Layer) {
	l.bcache = pfs.bcache
	l.base = pfs.base
}

func (l *Layer) lock(exclusive bool) {
	if exclusive {
		l.mu.Lock()
	} else {
		l.mu.RLock()
	}
}

func (l *Layer) unlock(exclusive bool) {
	if exclusive {
		l.mu.Unlock()
	} else {
		l.mu.RUnlock()
	}
}

func (l *Layer) markSuperDirty() {
	l.super.Flags |= types.SuperDirty
}

// Name returns the name the layer was created with.
func (l *Layer) Name() string {
	return l.name
}

// Index returns the global index of the layer.
func (l *Layer) Index() int {
	return l.gindex
}

// handle returns the external handle of inode ino in l.
func (l *Layer) handle(ino uint64) types.Handle {
	return types.NewHandle(l.gindex, l.epoch, ino)
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s(%d:%d)", l.name, l.gindex, l.root)
}

// findInode returns the nearest copy of ino in l or its ancestors and the
// layer holding it. A removed copy hides every older one.
func (l *Layer) findInode(ino uint64) (*icache.Inode, *Layer) {
	if ino == l.root || ino == types.RootInode && l.gindex == types.RootLayerIndex {
		return l.rootInode, l
	}
	for t := l; t != nil; t = t.parent {
		if inode := t.icache.Get(ino); inode != nil {
			if inode.Removed() {
				return nil, nil
			}
			return inode, t
		}
	}
	return nil, nil
}

// ownInode returns the copy of ino private to l, copying it up from an
// ancestor on first modification.
func (l *Layer) ownInode(ino uint64) (*icache.Inode, error) {
	inode, owner := l.findInode(ino)
	if inode == nil {
		return nil, notFound("inode %d in layer %s", ino, l)
	}
	if owner == l {
		return inode, nil
	}
	inode.RLock()
	c := inode.CopyUp()
	inode.RUnlock()
	return l.icache.Insert(c), nil
}

// owns reports whether block was allocated by l.
func (l *Layer) owns(block uint64) bool {
	l.allocMu.Lock()
	defer l.allocMu.Unlock()
	return l.allocated.Covers(block)
}

// ownedBlocks lists every block allocated by l.
func (l *Layer) ownedBlocks() []uint64 {
	l.allocMu.Lock()
	defer l.allocMu.Unlock()
	var blocks []uint64
	l.allocated.Each(func(e *extent.Extent) bool {
		for b := e.Start; b < e.End(); b++ {
			blocks = append(blocks, b)
		}
		return true
	})
	return blocks
}

func (l *Layer) markPageDirty(block uint64) {
	l.allocMu.Lock()
	l.dirty[block] = struct{}{}
	l.allocMu.Unlock()
}

// takeDirty empties the dirty page set and returns its blocks.
func (l *Layer) takeDirty() []uint64 {
	l.allocMu.Lock()
	defer l.allocMu.Unlock()
	blocks := make([]uint64, 0, len(l.dirty))
	for b := range l.dirty {
		blocks = append(blocks, b)
	}
	l.dirty = make(map[uint64]struct{})
	return blocks
}

func (l *Layer) dirtyCount() int {
	l.allocMu.Lock()
	defer l.allocMu.Unlock()
	return len(l.dirty)
}

// disown moves the blocks of a private file that l allocated onto its
// deferred-free list.
func (l *Layer) disown(inode *icache.Inode) {
	emap := inode.Emap()
	if emap == nil {
		return
	}
	l.allocMu.Lock()
	defer l.allocMu.Unlock()
	emap.Each(func(e *extent.Extent) bool {
		for b := e.Block; b < e.Block+e.Count; b++ {
			if l.allocated.Remove(b, 1) == 1 {
				l.deferred.Add(b, 0, 1, true)
				delete(l.dirty, b)
			}
		}
		return true
	})
	emap.Reset()
}

// moveBlocksTo hands the block ownership and dirty pages of l to dst.
func (l *Layer) moveBlocksTo(dst *Layer) {
	l.allocMu.Lock()
	defer l.allocMu.Unlock()
	dst.allocMu.Lock()
	defer dst.allocMu.Unlock()
	l.allocated.MoveTo(dst.allocated)
	l.deferred.MoveTo(dst.deferred)
	for b := range l.dirty {
		dst.dirty[b] = struct{}{}
	}
	l.dirty = make(map[uint64]struct{})
}

// checkWritable rejects modifications of layers that others depend on.
func (l *Layer) checkWritable() error {
	switch {
	case l.gindex == types.RootLayerIndex:
		return permissionDenied("root layer is managed through layer operations")
	case l.frozen:
		return failedPrecondition("layer %s is frozen", l)
	case len(l.pool.forest.childrenOf(l)) > 0:
		return failedPrecondition("layer %s has child layers", l)
	}
	return nil
}
