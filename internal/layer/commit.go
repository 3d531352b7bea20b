package layer

import (
	"context"

	"github.com/containerd/log"

	"github.com/deploymenttheory/go-lcfs/internal/extent"
	"github.com/deploymenttheory/go-lcfs/internal/icache"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// CommitLayer promotes the read-write layer behind h into the slot of the
// pending layer named pending. The records of the two layers swap index and
// root, so h keeps reading the data written through it while the pending
// name now refers to a fresh read-write layer. The handle of the committed
// layer root is returned.
func (p *Pool) CommitLayer(ctx context.Context, h types.Handle, pending string) (types.Handle, error) {
	rfs := p.root
	start := rfs.stats.Begin()
	nh, err := p.commitLayer(ctx, h, pending)
	rfs.stats.Add(types.RequestLayerCommit, err, start)
	return nh, err
}

func (p *Pool) commitLayer(ctx context.Context, h types.Handle, pending string) (types.Handle, error) {
	rfs := p.root
	rfs.mu.Lock()
	defer rfs.mu.Unlock()

	croot, ok := p.lookupRoot(pending)
	if !ok {
		return 0, notFound("pending layer %q", pending)
	}
	cfs, err := p.lockLayerByRoot(croot, true)
	if err != nil {
		return 0, err
	}
	pfs := p.forest.parentOf(cfs)
	if pfs == nil {
		cfs.mu.Unlock()
		return 0, failedPrecondition("pending layer %s is a base layer", cfs)
	}
	pfs.mu.Lock()
	fs := p.forest.get(h.Index())
	if fs == nil || fs == cfs || fs == pfs || fs.gindex == types.RootLayerIndex {
		pfs.mu.Unlock()
		cfs.mu.Unlock()
		return 0, invalidArgument("handle %#x does not name a layer to commit into %q", uint64(h), pending)
	}
	fs.mu.Lock()
	if fs.epoch != h.Epoch() {
		fs.mu.Unlock()
		pfs.mu.Unlock()
		cfs.mu.Unlock()
		return 0, notFound("stale handle %#x", uint64(h))
	}

	zombies, err := p.forest.commitChain(fs, cfs, pfs)
	if err != nil {
		fs.mu.Unlock()
		pfs.mu.Unlock()
		cfs.mu.Unlock()
		return 0, err
	}
	for _, z := range zombies {
		z.mu.Lock()
	}


	// Fold zombie layers between pfs and the image layer into pfs, the
	// nearest copy of an inode winning
	for _, z := range zombies {
		z.icache.Remove(z.root)
		z.icache.MoveTo(pfs.icache, false)
		z.moveBlocksTo(pfs)
	}

	// Private inodes of the pending layer take over pfs, and the pfs root
	// directory becomes a private copy of the pending root directory
	cdir := cfs.rootInode
	cfs.icache.Remove(cfs.root)
	cfs.icache.MoveTo(pfs.icache, true)
	cfs.moveBlocksTo(pfs)
	pdir := pfs.rootInode
	pdir.Lock()
	cdir.RLock()
	pdir.CloneDir(cdir)
	cdir.RUnlock()
	pdir.CopyDir()
	pdir.Unlock()

	// pfs ends up above the committed layer. Inodes the new layer changed
	// or removed keep their inherited version in pfs.
	image := fs.parent
	for _, inode := range fs.icache.Inodes() {
		if inode.Ino == fs.root || pfs.icache.Get(inode.Ino) != nil {
			continue
		}
		orig, _ := image.findInode(inode.Ino)
		if orig == nil {
			continue
		}
		orig.RLock()
		c := orig.CopyUp()
		orig.RUnlock()
		pfs.icache.Insert(c)
	}

	// Move inodes from the new layer to the layer being committed. There
	// could be open handles on inodes.
	fs.icache.MoveTo(cfs.icache, true)
	fs.moveBlocksTo(cfs)
	cfs.rootInode = fs.rootInode

	// Clone root directory of the parent layer, to the new child layer
	nroot := icache.NewDir(cfs.root, types.LayerRootInode)
	nroot.CloneDir(pdir)
	fs.icache.Insert(nroot)
	fs.rootInode = nroot

	// Identity follows the index
	fs.name, cfs.name = cfs.name, fs.name
	fs.id, cfs.id = cfs.id, fs.id
	fs.stats, cfs.stats = cfs.stats, fs.stats
	fsCount, cfsCount := fs.mountCount.Load(), cfs.mountCount.Load()
	fs.mountCount.Store(cfsCount)
	cfs.mountCount.Store(fsCount)
	fsOpen, cfsOpen := fs.pcount.Load(), cfs.pcount.Load()
	fs.pcount.Store(cfsOpen)
	cfs.pcount.Store(fsOpen)

	fsFlags, cfsFlags := fs.super.Flags, cfs.super.Flags
	cfs.readOnly, cfs.rw, cfs.init = fs.readOnly, fs.rw, fs.init
	fs.readOnly, fs.rw, fs.init = false, true, false
	fs.inProgress, cfs.inProgress = cfs.inProgress, fs.inProgress
	cfs.frozen = false
	cfs.commitInProgress = true
	fs.frozen = false
	fs.commitInProgress = false

	// Switch layer roots and indices, and re-thread the forest
	p.forest.swapCommitted(fs, cfs, pfs)

	// Update super blocks
	const cleared = types.SuperFrozen | types.SuperZombie
	fs.super.Root, fs.super.Index, fs.super.UUID = fs.root, int32(fs.gindex), fs.id
	cfs.super.Root, cfs.super.Index, cfs.super.UUID = cfs.root, int32(cfs.gindex), cfs.id
	cfs.super.LastInode = p.nextInode.Load()
	cfs.super.Flags = fsFlags &^ cleared
	if cfs.readOnly {
		cfs.super.Flags &^= types.SuperRDWR
	}
	fs.super.Flags = cfsFlags&^(cleared|types.SuperInit) | types.SuperRDWR
	cfs.markSuperDirty()
	pfs.markSuperDirty()
	fs.markSuperDirty()
	nh := cfs.handle(cfs.root)

	log.G(ctx).WithFields(log.Fields{
		"committed": cfs.String(),
		"parent":    pfs.String(),
		"child":     fs.String(),
		"zombies":   len(zombies),
	}).Info("committed layer")

	fs.mu.Unlock()
	pfs.mu.Unlock()
	cfs.mu.Unlock()

	// The zombies hold nothing but their superblock block now
	if len(zombies) > 0 {
		tx := extent.NewList(extent.Space, p.totalBlocks)
		for _, z := range zombies {
			p.releaseLayer(ctx, z, tx)
		}
		p.freeExtents(tx)
	}
	return nh, nil
}

// commitChain checks that fs can be committed into cfs, a child of pfs, and
// returns the zombie layers between pfs and the parent of fs, nearest first.
func (f *forest) commitChain(fs, cfs, pfs *Layer) ([]*Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case fs.state != types.LayerActive || fs.frozen:
		return nil, failedPrecondition("layer %s is not an active read-write layer", fs)
	case fs.parent == nil:
		return nil, failedPrecondition("layer %s is a base layer", fs)
	case len(fs.children) > 0:
		return nil, failedPrecondition("layer %s has child layers", fs)
	case cfs.state != types.LayerActive || len(cfs.children) > 0:
		return nil, failedPrecondition("pending layer %s is in use", cfs)
	case pfs.state != types.LayerActive || len(pfs.children) != 1:
		return nil, failedPrecondition("parent %s of pending layer has other children", pfs)
	case fs.base != cfs.base:
		return nil, failedPrecondition("layers %s and %s have different base layers", fs, cfs)
	}

	image := fs.parent
	var zombies []*Layer
	for t := pfs.parent; t != image; t = t.parent {
		if t == nil || t.state != types.LayerZombie || len(t.children) != 1 {
			return nil, failedPrecondition("pending layer %s does not descend from %s", cfs, image)
		}
		zombies = append(zombies, t)
	}
	return zombies, nil
}

// swapCommitted exchanges the slots of fs and cfs and re-threads the forest
// so cfs hangs off the former parent of fs, pfs off cfs and fs off pfs.
func (f *forest) swapCommitted(fs, cfs, pfs *Layer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	image := fs.parent
	fsIndex, cfsIndex := fs.gindex, cfs.gindex
	fs.root, cfs.root = cfs.root, fs.root
	fs.gindex, cfs.gindex = cfsIndex, fsIndex
	fs.epoch, cfs.epoch = cfs.epoch, fs.epoch
	f.slots[cfsIndex].Store(fs)
	f.gens[cfsIndex].Add(1)
	f.slots[fsIndex].Store(cfs)
	f.gens[fsIndex].Add(1)

	// Make the newly committed layer a child of the image layer
	pfs.children = without(pfs.children, cfs)
	cfs.parent = image
	for i, c := range image.children {
		if c == fs {
			image.children[i] = cfs
		}
	}
	cfs.zfs = fs.zfs

	// Make parent layer a child of the committed layer
	if old := pfs.parent; old != nil {
		old.children = without(old.children, pfs)
	}
	pfs.parent = cfs
	pfs.zfs = nil
	cfs.children = []*Layer{pfs}

	// Make new child layer a child of the parent
	fs.parent = pfs
	fs.zfs = nil
	pfs.children = []*Layer{fs}
}
