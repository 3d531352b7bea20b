package layer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-lcfs/internal/bcache"
	"github.com/deploymenttheory/go-lcfs/internal/config"
	"github.com/deploymenttheory/go-lcfs/internal/extent"
	"github.com/deploymenttheory/go-lcfs/internal/icache"
	"github.com/deploymenttheory/go-lcfs/internal/interfaces"
	"github.com/deploymenttheory/go-lcfs/internal/parsers/superblock"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// Pool is the global file system: the device, the free-space list, the
// forest of layers and the root layer holding the layer name directory.
type Pool struct {
	cfg         *config.Config
	dev         interfaces.BlockDevice
	writer      interfaces.SuperblockWriter
	id          uuid.UUID
	totalBlocks uint64

	free       *extent.List
	freeBlocks uint64
	spaceMu    sync.Mutex

	nextInode     atomic.Uint64
	inProgress    atomic.Int64
	changedLayers atomic.Int64

	forest       *forest
	root         *Layer
	layerRootDir *icache.Inode

	statsOut io.Writer

	// tasks takes new background work. Wait retires it into draining so no
	// task is added to a group being waited on.
	tasksMu  sync.Mutex
	tasks    *errgroup.Group
	draining []*errgroup.Group
}

// New formats a pool on dev. writer may be nil, in which case Sync only
// writes to the device.
func New(ctx context.Context, cfg *config.Config, dev interfaces.BlockDevice, writer interfaces.SuperblockWriter) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, invalidArgument("invalid configuration: %v", err)
	}
	total := dev.TotalBlocks()
	if total <= types.FirstDataBlock {
		return nil, invalidArgument("device of %d blocks is too small", total)
	}

	p := &Pool{
		cfg:         cfg,
		dev:         dev,
		writer:      writer,
		id:          uuid.New(),
		totalBlocks: total,
		free:        extent.NewList(extent.Space, total),
		forest:      newForest(cfg.MaxLayers),
		statsOut:    io.Discard,
	}
	p.free.Add(types.FirstDataBlock, 0, total-types.FirstDataBlock, true)
	p.freeBlocks = total - types.FirstDataBlock
	p.nextInode.Store(types.FirstFreeInode)

	rfs := p.newLayer("", types.RootInode, types.SuperDirty|types.SuperRDWR|types.SuperMounted)
	rfs.icache = icache.New(cfg.ICacheSizeMin)
	rfs.rootInode = icache.NewDir(types.RootInode, types.RootInode)
	rfs.icache.Insert(rfs.rootInode)
	rfs.bcache = bcache.New(dev, cfg.PageCacheSize)
	rfs.base = rfs

	p.layerRootDir = icache.NewDir(types.LayerRootInode, types.RootInode)
	rfs.icache.Insert(p.layerRootDir)
	if err := rfs.rootInode.AddEntry(types.LayerRootName, types.LayerRootInode, icache.ModeDir); err != nil {
		return nil, err
	}
	p.forest.setRoot(rfs)
	rfs.super.Index = types.RootLayerIndex
	p.root = rfs

	log.G(ctx).WithFields(log.Fields{
		"pool":   p.id,
		"blocks": total,
		"layers": cfg.MaxLayers,
	}).Info("pool formatted")
	return p, nil
}

// SetStatsOutput sets where layer stats are displayed.
func (p *Pool) SetStatsOutput(w io.Writer) {
	p.statsOut = w
}

// ID returns the pool identifier.
func (p *Pool) ID() uuid.UUID {
	return p.id
}

// FreeBlocks returns the number of blocks on the global free-space list.
func (p *Pool) FreeBlocks() uint64 {
	p.spaceMu.Lock()
	defer p.spaceMu.Unlock()
	return p.freeBlocks
}

// TotalBlocks returns the block budget of the pool.
func (p *Pool) TotalBlocks() uint64 {
	return p.totalBlocks
}

// LayersInProgress returns the number of read-only or init layers created
// and not yet frozen.
func (p *Pool) LayersInProgress() int64 {
	return p.inProgress.Load()
}

// ChangedLayers returns the number of layer set changes since the pool was
// formatted.
func (p *Pool) ChangedLayers() int64 {
	return p.changedLayers.Load()
}

// hasSpace reports whether free space is above the reserve kept for
// operations on existing layers.
func (p *Pool) hasSpace() bool {
	p.spaceMu.Lock()
	defer p.spaceMu.Unlock()
	return p.freeBlocks*100 > p.totalBlocks*p.cfg.ReservePercent
}

// allocBlock takes one block off the free-space list and records it as
// owned by l.
func (p *Pool) allocBlock(l *Layer) (uint64, error) {
	p.spaceMu.Lock()
	block, n := p.free.Take(1)
	if n == 0 {
		p.spaceMu.Unlock()
		return 0, outOfSpace("no free blocks in pool")
	}
	p.freeBlocks--
	p.spaceMu.Unlock()

	if l != nil {
		l.allocMu.Lock()
		l.allocated.Add(block, 0, 1, true)
		l.allocMu.Unlock()
	}
	return block, nil
}

// freeExtents merges a transaction's deferred-free list into the global
// free-space list in one batch.
func (p *Pool) freeExtents(tx *extent.List) uint64 {
	n := tx.Total()
	if n == 0 {
		return 0
	}
	p.spaceMu.Lock()
	tx.MoveTo(p.free)
	p.freeBlocks += n
	p.spaceMu.Unlock()
	return n
}

func (p *Pool) allocInode() uint64 {
	return p.nextInode.Add(1) - 1
}

// icacheSize returns the inode cache size hint for a new layer.
func (p *Pool) icacheSize(base, init bool) int {
	switch {
	case base:
		return p.cfg.ICacheSizeMax
	case init:
		return p.cfg.ICacheSizeMin
	default:
		return p.cfg.ICacheSize
	}
}

// lockLayer locks the layer h was issued for. Handles of a removed layer
// stay stale after its slot is reused.
func (p *Pool) lockLayer(h types.Handle, exclusive bool) (*Layer, error) {
	l, err := p.lockIndex(h.Index(), exclusive)
	if err != nil {
		return nil, err
	}
	if l.epoch != h.Epoch() {
		l.unlock(exclusive)
		return nil, notFound("stale handle %#x for layer index %d", uint64(h), h.Index())
	}
	return l, nil
}

// lockIndex locks the layer currently published at index. A commit may move
// a record to another slot between the load and the lock, in which case the
// lookup is retried.
func (p *Pool) lockIndex(index int, exclusive bool) (*Layer, error) {
	for {
		l := p.forest.get(index)
		if l == nil {
			return nil, notFound("layer index %d", index)
		}
		l.lock(exclusive)
		if p.forest.get(index) == l {
			if l.state == types.LayerRemoved {
				l.unlock(exclusive)
				return nil, notFound("layer index %d", index)
			}
			return l, nil
		}
		l.unlock(exclusive)
	}
}

// lockLayerByRoot locks the layer rooted at root.
func (p *Pool) lockLayerByRoot(root uint64, exclusive bool) (*Layer, error) {
	for {
		index, ok := p.forest.indexOf(root)
		if !ok {
			return nil, notFound("layer with root %d", root)
		}
		l, err := p.lockIndex(index, exclusive)
		if err != nil {
			return nil, err
		}
		if l.root == root {
			return l, nil
		}
		l.unlock(exclusive)
	}
}

// lookupRoot resolves a layer name to its root inode.
func (p *Pool) lookupRoot(name string) (uint64, bool) {
	p.layerRootDir.RLock()
	defer p.layerRootDir.RUnlock()
	d, ok := p.layerRootDir.Lookup(name)
	if !ok {
		return types.InvalidInode, false
	}
	return d.Ino, true
}

// LayerRoot returns the handle of the root directory of the named layer.
func (p *Pool) LayerRoot(name string) (types.Handle, error) {
	root, ok := p.lookupRoot(name)
	if !ok {
		return 0, notFound("layer %q", name)
	}
	h, ok := p.forest.handleOf(root)
	if !ok {
		return 0, notFound("layer %q", name)
	}
	return h, nil
}

// Layers returns the names of every named layer.
func (p *Pool) Layers() []string {
	p.layerRootDir.RLock()
	defer p.layerRootDir.RUnlock()
	entries := p.layerRootDir.Entries()
	names := make([]string, 0, len(entries))
	for _, d := range entries {
		names = append(names, d.Name)
	}
	return names
}

// flushDirtyPages writes the dirty pages of l to the device.
func (p *Pool) flushDirtyPages(ctx context.Context, l *Layer) {
	blocks := l.takeDirty()
	if len(blocks) == 0 {
		return
	}
	if err := l.bcache.FlushDirty(blocks); err != nil {
		log.G(ctx).WithError(err).WithField("layer", l.String()).Warn("failed to flush dirty pages")
		for _, b := range blocks {
			l.markPageDirty(b)
		}
	}
}

// invalidateLayerPages drops the clean cached pages of l.
func (p *Pool) invalidateLayerPages(ctx context.Context, l *Layer) {
	n := l.bcache.InvalidateClean(l.ownedBlocks())
	log.G(ctx).WithFields(log.Fields{"layer": l.String(), "pages": n}).Debug("invalidated layer pages")
}

// background runs fn on the layer at r from a pool task, skipping it when
// the layer is busy.
func (p *Pool) background(ctx context.Context, r ref, root uint64, what string, fn func(l *Layer)) {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	if p.tasks == nil {
		p.tasks = new(errgroup.Group)
	}
	p.tasks.Go(func() error {
		if !p.forest.tryWith(r, root, fn) {
			log.G(ctx).WithFields(log.Fields{"index": r.index, "task": what}).Debug("skipped background task on busy or replaced layer")
		}
		return nil
	})
}

// Wait blocks until background tasks started before the call finish. It
// may run concurrently with other Wait calls and with new tasks.
func (p *Pool) Wait() error {
	p.tasksMu.Lock()
	if p.tasks != nil {
		p.draining = append(p.draining, p.tasks)
		p.tasks = nil
	}
	groups := append([]*errgroup.Group(nil), p.draining...)
	p.tasksMu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	p.tasksMu.Lock()
	p.draining = slices.DeleteFunc(p.draining, func(g *errgroup.Group) bool {
		return slices.Contains(groups, g)
	})
	p.tasksMu.Unlock()
	return errors.Join(errs...)
}

// Sync flushes dirty pages and writes every dirty superblock, its
// deferred-free extents and the global superblock.
func (p *Pool) Sync(ctx context.Context) error {
	if err := p.Wait(); err != nil {
		return err
	}
	for _, l := range p.forest.layers() {
		if err := p.syncLayer(ctx, l); err != nil {
			return err
		}
	}
	if err := p.writeGlobal(); err != nil {
		return err
	}
	return p.dev.Sync()
}

func (p *Pool) syncLayer(ctx context.Context, l *Layer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.forest.get(l.gindex) != l || l.state == types.LayerRemoved {
		return nil
	}
	p.flushDirtyPages(ctx, l)
	if !l.super.HasFlag(types.SuperDirty) {
		return nil
	}

	sb := l.super
	sb.Root = l.root
	sb.Index = int32(l.gindex)
	sb.Block = l.sblock
	sb.ICount = uint64(l.icache.Len())
	sb.Parent = types.InvalidIndex
	sb.Zombie = types.InvalidIndex
	if parent := p.forest.parentOf(l); parent != nil {
		sb.Parent = int32(parent.gindex)
	}
	if zfs := p.forest.zfsOf(l); zfs != nil {
		sb.Zombie = int32(zfs.gindex)
	}
	l.allocMu.Lock()
	deferred := l.deferred.Records()
	sb.DeferredBlocks = l.deferred.Total()
	l.allocMu.Unlock()
	sb.DeferredExtents = uint64(len(deferred))
	sb.Flags &^= types.SuperDirty

	if l.sblock != 0 {
		page := make([]byte, types.BlockSize)
		copy(page, superblock.EncodeSuperblock(sb, superblock.Endian))
		if err := p.dev.WriteBlock(l.sblock, page); err != nil {
			sb.Flags |= types.SuperDirty
			return fmt.Errorf("failed to write superblock of layer %s: %w", l, err)
		}
	}
	if p.writer != nil {
		if err := p.writer.WriteSuperblock(sb, deferred); err != nil {
			sb.Flags |= types.SuperDirty
			return fmt.Errorf("failed to persist superblock of layer %s: %w", l, err)
		}
	}
	return nil
}

// Global returns a snapshot of the global superblock.
func (p *Pool) Global() *types.GlobalSuperblock {
	return &types.GlobalSuperblock{
		Magic:       types.GlobalSuperblockMagic,
		Version:     types.SuperblockVersion,
		BlockSize:   types.BlockSize,
		TotalBlocks: p.totalBlocks,
		FreeBlocks:  p.FreeBlocks(),
		NextInode:   p.nextInode.Load(),
		LayerRoot:   types.LayerRootInode,
		LayerCount:  uint64(p.forest.len() - 1),
		UUID:        p.id,
	}
}

func (p *Pool) writeGlobal() error {
	gsb := p.Global()
	page := make([]byte, types.BlockSize)
	copy(page, superblock.EncodeGlobalSuperblock(gsb, superblock.Endian))
	if err := p.dev.WriteBlock(types.GlobalSuperblockBlock, page); err != nil {
		return fmt.Errorf("failed to write global superblock: %w", err)
	}
	if p.writer != nil {
		if err := p.writer.WriteGlobal(gsb); err != nil {
			return fmt.Errorf("failed to persist global superblock: %w", err)
		}
	}
	return nil
}

// Close waits for background work and syncs the pool. The device and the
// writer stay open; they belong to the caller.
func (p *Pool) Close(ctx context.Context) error {
	return p.Sync(ctx)
}
