package layer

import (
	"context"

	"github.com/containerd/log"

	"github.com/deploymenttheory/go-lcfs/internal/extent"
	"github.com/deploymenttheory/go-lcfs/internal/stats"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// LayerControl mounts, unmounts, displays or clears stats of layer name.
// UnmountAll ignores name.
func (p *Pool) LayerControl(ctx context.Context, name string, cmd types.LayerCommand) error {
	rfs := p.root
	start := rfs.stats.Begin()
	rfs.mu.RLock()
	defer rfs.mu.RUnlock()

	// Unmount all layers
	if cmd == types.LayerUnmountAll {
		p.changedLayers.Add(1)
		rfs.stats.Add(types.RequestCleanup, nil, start)
		log.G(ctx).Info("unmounting all layers")
		return nil
	}

	root, ok := p.lookupRoot(name)
	var err error
	if !ok {
		err = notFound("layer %q", name)
	}

	switch cmd {
	case types.LayerMount:
		if err == nil {
			err = p.mountLayer(ctx, root)
		}
		rfs.stats.Add(types.RequestMount, err, start)

	case types.LayerStat:
		if err == nil {
			err = p.displayLayerStats(root)
		} else {
			// Display stats of all layers
			p.displayStatsAll()
			err = nil
		}
		rfs.stats.Add(types.RequestStat, err, start)

	case types.LayerUnmount:
		if err == nil {
			err = p.unmountLayer(ctx, root)
		}
		rfs.stats.Add(types.RequestUmount, err, start)

	case types.LayerClearStat:
		if err == nil {
			err = p.clearLayerStats(root)
		}

	default:
		err = invalidArgument("unknown layer command %d", cmd)
	}
	return err
}

func (p *Pool) mountLayer(ctx context.Context, root uint64) error {
	fs, err := p.lockLayerByRoot(root, true)
	if err != nil {
		return err
	}
	defer fs.mu.Unlock()
	fs.super.Flags |= types.SuperMounted
	fs.markSuperDirty()
	fs.mountCount.Add(1)
	log.G(ctx).WithField("layer", fs.String()).Debug("mounted layer")
	return nil
}

// unmountLayer drops a mount reference. The last one freezes the layer.
func (p *Pool) unmountLayer(ctx context.Context, root uint64) error {
	fs, err := p.lockLayerByRoot(root, false)
	if err != nil {
		return err
	}
	if fs.mountCount.Add(-1) > 0 || fs.state == types.LayerRemoved {
		fs.mu.RUnlock()
		return nil
	}

	if fs.frozen {
		if fs.super.ICount != uint64(fs.icache.Len()) {
			fs.mu.RUnlock()
			fs, err = p.lockLayerByRoot(root, true)
			if err != nil {
				return err
			}
			fs.super.ICount = uint64(fs.icache.Len())
			fs.markSuperDirty()
			fs.mu.Unlock()
			return nil
		}
		fs.mu.RUnlock()
		return nil
	}
	fs.mu.RUnlock()

	// Taking the exclusive lock makes sure writers in flight are done.
	fs, err = p.lockLayerByRoot(root, true)
	if err != nil {
		return err
	}
	if fs.frozen {
		fs.mu.Unlock()
		return nil
	}
	invariant(len(p.forest.childrenOf(fs)) == 0 || fs.commitInProgress,
		"freezing layer %s with children outside a commit", fs)
	p.freezeLayer(fs)

	// Mark the layer as immutable
	fs.super.LastInode = p.nextInode.Load()
	fs.frozen = true
	fs.readOnly = true
	fs.commitInProgress = false
	fs.super.Flags |= types.SuperFrozen
	fs.markSuperDirty()
	if fs.inProgress {
		fs.inProgress = false
		invariant(p.inProgress.Load() > 0, "layers in progress underflow")
		p.inProgress.Add(-1)
	}
	log.G(ctx).WithField("layer", fs.String()).Info("froze layer")

	dirty := fs.dirtyCount() > 0
	r := p.forest.refOf(fs.gindex)
	fs.mu.Unlock()

	// Sync dirty data
	if dirty {
		p.background(ctx, r, root, "flush", func(l *Layer) {
			p.flushDirtyPages(ctx, l)
		})
	}
	return nil
}

// freezeLayer returns the blocks fs stopped using to the free-space list.
func (p *Pool) freezeLayer(fs *Layer) {
	tx := extent.NewList(extent.Space, p.totalBlocks)
	fs.allocMu.Lock()
	var blocks []uint64
	fs.deferred.Each(func(e *extent.Extent) bool {
		for b := e.Start; b < e.End(); b++ {
			blocks = append(blocks, b)
		}
		return true
	})
	fs.deferred.MoveTo(tx)
	fs.allocMu.Unlock()
	fs.bcache.Invalidate(blocks)
	p.freeExtents(tx)
}

func (p *Pool) displayLayerStats(root uint64) error {
	fs, err := p.lockLayerByRoot(root, false)
	if err != nil {
		return err
	}
	defer fs.mu.RUnlock()
	fs.stats.Display(p.statsOut, fs.name)
	return nil
}

func (p *Pool) displayStatsAll() {
	for _, l := range p.forest.layers() {
		if l.gindex == types.RootLayerIndex {
			l.stats.Display(p.statsOut, "root")
			continue
		}
		l.mu.RLock()
		if l.state != types.LayerRemoved {
			l.stats.Display(p.statsOut, l.name)
		}
		l.mu.RUnlock()
	}
}

func (p *Pool) clearLayerStats(root uint64) error {
	fs, err := p.lockLayerByRoot(root, true)
	if err != nil {
		return err
	}
	defer fs.mu.Unlock()
	fs.stats.Reset()
	return nil
}

// LayerStats returns the stats of layer name keyed by request name.
func (p *Pool) LayerStats(name string) (map[string]stats.Entry, error) {
	root, ok := p.lookupRoot(name)
	if !ok {
		return nil, notFound("layer %q", name)
	}
	fs, err := p.lockLayerByRoot(root, false)
	if err != nil {
		return nil, err
	}
	defer fs.mu.RUnlock()
	return fs.stats.Snapshot(), nil
}

// RootStats returns the stats of the root layer, where layer operations
// are accounted.
func (p *Pool) RootStats() map[string]stats.Entry {
	return p.root.stats.Snapshot()
}
