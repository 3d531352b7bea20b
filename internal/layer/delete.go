package layer

import (
	"context"

	"github.com/containerd/log"

	"github.com/deploymenttheory/go-lcfs/internal/extent"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// DeleteLayer removes layer name. A layer with children only becomes a
// zombie; its blocks are reclaimed once its last child is gone.
func (p *Pool) DeleteLayer(ctx context.Context, name string) error {
	rfs := p.root
	start := rfs.stats.Begin()
	err := p.deleteLayer(ctx, name)
	rfs.stats.Add(types.RequestLayerRemove, err, start)
	return err
}

func (p *Pool) deleteLayer(ctx context.Context, name string) error {
	rfs := p.root
	rfs.mu.Lock()
	defer rfs.mu.Unlock()
	rfs.markSuperDirty()

	pdir := p.layerRootDir
	pdir.Lock()
	d, ok := pdir.Lookup(name)
	if !ok {
		pdir.Unlock()
		return notFound("layer %q", name)
	}
	fs, err := p.lockLayerByRoot(d.Ino, true)
	if err != nil {
		pdir.Unlock()
		return err
	}
	if _, err := pdir.RemoveEntry(name); err != nil {
		pdir.Unlock()
		fs.mu.Unlock()
		return err
	}
	pdir.Nlink--
	pdir.Unlock()

	if len(p.forest.childrenOf(fs)) > 0 {
		p.forest.makeZombie(fs)
		fs.markSuperDirty()
		fs.mu.Unlock()
		log.G(ctx).WithField("name", name).Info("converted layer to a zombie layer")
		return nil
	}

	// Have the base layer locked so that it will not be deleted before this
	// layer is freed.
	var bfs *Layer
	if parent := p.forest.parentOf(fs); parent != nil {
		bfs = fs.base
		bfs.mu.RLock()
	} else {
		p.changedLayers.Add(1)
	}

	log.G(ctx).WithFields(log.Fields{"name": name, "root": fs.root, "index": fs.gindex}).Info("removing layer")

	tx := extent.NewList(extent.Space, p.totalBlocks)
	for {
		zfs := p.forest.zfsOf(fs)
		p.releaseLayer(ctx, fs, tx)
		if zfs == nil {
			break
		}

		// Remove zombie parent layer
		if zfs == bfs {
			bfs.mu.RUnlock()
			bfs = nil
		}
		fs = zfs
		fs.mu.Lock()
		log.G(ctx).WithFields(log.Fields{"name": fs.name, "index": fs.gindex}).Info("removing zombie layer")
	}
	if bfs != nil {
		bfs.mu.RUnlock()
	}

	freed := p.freeExtents(tx)
	log.G(ctx).WithFields(log.Fields{"name": name, "blocks": freed}).Debug("reclaimed blocks")
	return nil
}

// releaseLayer tears down fs, which must be locked exclusive and have no
// children, and collects its blocks into tx. fs is unlocked on return.
func (p *Pool) releaseLayer(ctx context.Context, fs *Layer, tx *extent.List) {
	invariant(len(p.forest.childrenOf(fs)) == 0, "releasing layer %s with children", fs)

	dirty := fs.takeDirty()
	fs.bcache.Invalidate(dirty)
	fs.bcache.Invalidate(fs.ownedBlocks())

	fs.allocMu.Lock()
	fs.allocated.MoveTo(tx)
	fs.deferred.MoveTo(tx)
	fs.allocMu.Unlock()
	if fs.sblock != 0 {
		tx.Add(fs.sblock, 0, 1, true)
		fs.sblock = 0
	}
	fs.icache.Reset()

	if fs.inProgress {
		fs.inProgress = false
		p.inProgress.Add(-1)
	}
	index := fs.gindex
	fs.state = types.LayerRemoved
	p.forest.remove(fs)
	fs.mu.Unlock()

	if p.writer != nil {
		if err := p.writer.RemoveSuperblock(index); err != nil {
			log.G(ctx).WithError(err).WithField("index", index).Warn("failed to remove superblock record")
		}
	}
}
