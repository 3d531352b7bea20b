package layer

import (
	"context"
	"strings"

	"github.com/containerd/log"

	"github.com/deploymenttheory/go-lcfs/internal/bcache"
	"github.com/deploymenttheory/go-lcfs/internal/icache"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// CreateLayer creates layer name as a child of parent, or as a base layer
// when parent is empty.
func (p *Pool) CreateLayer(ctx context.Context, name, parent string, rw bool) error {
	rfs := p.root
	start := rfs.stats.Begin()
	err := p.createLayer(ctx, name, parent, rw)
	rfs.stats.Add(types.RequestLayerCreate, err, start)
	return err
}

func (p *Pool) createLayer(ctx context.Context, name, parent string, rw bool) error {
	if name == "" || strings.Contains(name, "/") {
		return invalidArgument("invalid layer name %q", name)
	}

	// layers created with suffix "-init" are considered thin
	init := types.IsInitLayer(name, rw)
	base := parent == ""
	if base && init {
		return invalidArgument("init layer %q needs a parent", name)
	}
	flags := types.SuperDirty | types.SuperMounted
	if rw {
		flags |= types.SuperRDWR
	}
	if init {
		flags |= types.SuperInit
	}

	rfs := p.root
	rfs.mu.RLock()
	defer rfs.mu.RUnlock()

	// Do not allow new layers when low on space
	if !p.hasSpace() {
		return outOfSpace("pool is below its %d%% reserve", p.cfg.ReservePercent)
	}
	rfs.markSuperDirty()

	root := p.allocInode()
	pdir := p.layerRootDir
	pdir.Lock()
	var pinum uint64
	if !base {
		d, ok := pdir.Lookup(parent)
		if !ok {
			pdir.Unlock()
			return notFound("parent layer %q", parent)
		}
		pinum = d.Ino
	}
	if err := pdir.AddEntry(name, root, icache.ModeDir); err != nil {
		pdir.Unlock()
		return err
	}
	pdir.Nlink++
	pdir.Unlock()

	undo := func() {
		pdir.Lock()
		if _, err := pdir.RemoveEntry(name); err == nil {
			pdir.Nlink--
		}
		pdir.Unlock()
	}

	fs := p.newLayer(name, root, flags)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var pfs *Layer
	if base {
		fs.base = fs
	} else {
		var err error
		pfs, err = p.lockLayerByRoot(pinum, false)
		if err != nil {
			undo()
			return err
		}
		defer pfs.mu.RUnlock()
		invariant(pfs.frozen, "layer %s branched from unfrozen parent %s", name, pfs)
		invariant(pfs.pcount.Load() == 0, "layer %s branched from parent %s with %d open handles", name, pfs, pfs.pcount.Load())
		invariant(pfs.state == types.LayerActive, "layer %s branched from %s parent %s", name, pfs.state, pfs)
		fs.linkParent(pfs)
	}

	sblock, err := p.allocBlock(nil)
	if err != nil {
		undo()
		return err
	}
	fs.sblock = sblock

	// Add this layer to the forest
	inval, err := p.forest.add(fs, pfs)
	if err != nil {
		// If the layer could not be added, undo everything done so far
		undo()
		p.freeBlock(sblock)
		fs.state = types.LayerRemoved
		return err
	}
	if !rw || init {
		fs.inProgress = true
		p.inProgress.Add(1)
		p.changedLayers.Add(1)
	}

	fs.icache = icache.New(p.icacheSize(base, init))
	fs.rootInode = icache.NewDir(root, types.LayerRootInode)
	fs.icache.Insert(fs.rootInode)
	if base {
		fs.bcache = bcache.New(p.dev, p.cfg.PageCacheSize)
	} else {
		// Copy the parent root directory
		fs.rootInode.CloneDir(pfs.rootInode)
	}

	fields := log.Fields{"name": name, "root": root, "index": fs.gindex, "rw": rw}
	if pfs != nil {
		fields["parent"] = pfs.String()
	}
	log.G(ctx).WithFields(fields).Info("created layer")

	if inval != 0 {
		p.background(ctx, p.forest.refOf(inval), pfs.root, "invalidate", func(l *Layer) {
			p.invalidateLayerPages(ctx, l)
		})
	}
	return nil
}

// freeBlock returns a single block to the free-space list.
func (p *Pool) freeBlock(block uint64) {
	p.spaceMu.Lock()
	p.free.Add(block, 0, 1, true)
	p.freeBlocks++
	p.spaceMu.Unlock()
}
