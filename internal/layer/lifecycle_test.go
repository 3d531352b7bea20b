package layer

import (
	"bytes"
	"context"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

func TestCreateLayer(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testConfig(), nil)

	require.NoError(t, p.CreateLayer(ctx, "A", "", true))

	tests := []struct {
		name    string
		layer   string
		parent  string
		rw      bool
		checkFn func(error) bool
	}{
		{"Duplicate name", "A", "", true, errdefs.IsAlreadyExists},
		{"Missing parent", "B", "nope", true, errdefs.IsNotFound},
		{"Init base layer", "x-init", "", true, errdefs.IsInvalidArgument},
		{"Empty name", "", "", false, errdefs.IsInvalidArgument},
		{"Name with slash", "a/b", "", false, errdefs.IsInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.CreateLayer(ctx, tt.layer, tt.parent, tt.rw)
			require.Error(t, err)
			assert.True(t, tt.checkFn(err), "unexpected error kind: %v", err)
		})
	}

	assert.Equal(t, []string{"A"}, p.Layers(), "failed creates leave no entry behind")
	a := layerOf(t, p, "A")
	assert.True(t, a.super.HasFlag(types.SuperRDWR|types.SuperDirty|types.SuperMounted))
	assert.Equal(t, p.cfg.ICacheSizeMax, a.icache.SizeHint(), "base layers get the largest inode cache")
	assert.Same(t, a, a.base)
	assert.NotZero(t, a.sblock)
	created := p.RootStats()["LAYER_CREATE"]
	assert.Equal(t, uint64(6), created.Count)
	assert.Equal(t, uint64(5), created.Errors)
}

func TestCreateChildLayer(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testConfig(), nil)

	require.NoError(t, p.CreateLayer(ctx, "image", "", false))
	assert.Equal(t, int64(1), p.LayersInProgress())
	writeFile(t, p, "image", "etc", []byte("config"))
	unmount(t, p, "image")
	assert.Zero(t, p.LayersInProgress())

	require.NoError(t, p.CreateLayer(ctx, "c1-init", "image", true))
	assert.Equal(t, int64(1), p.LayersInProgress(), "init layers are in progress until frozen")
	unmount(t, p, "c1-init")
	assert.Zero(t, p.LayersInProgress())
	require.NoError(t, p.CreateLayer(ctx, "c1", "c1-init", true))
	assert.Zero(t, p.LayersInProgress())

	img := layerOf(t, p, "image")
	init := layerOf(t, p, "c1-init")
	assert.True(t, init.init)
	assert.True(t, init.super.HasFlag(types.SuperInit))
	assert.Equal(t, p.cfg.ICacheSizeMin, init.icache.SizeHint())
	assert.Same(t, img.bcache, init.bcache, "children share the base block cache")
	assert.Same(t, img, init.base)
	assert.True(t, init.rootInode.Shared())

	assert.Equal(t, []string{"c1", "c1-init", "image"}, p.Layers())
	assert.Equal(t, "config", string(readFile(t, p, "c1-init", "etc")))

	checkForest(t, p)
}

func TestCreateChildOfUnfrozenParentPanics(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testConfig(), nil)
	require.NoError(t, p.CreateLayer(ctx, "A", "", true))

	assert.Panics(t, func() {
		_ = p.CreateLayer(ctx, "B", "A", true)
	})
}

func TestCreateRollsBackWhenForestIsFull(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxLayers = 3
	p := newTestPool(t, cfg, nil)

	require.NoError(t, p.CreateLayer(ctx, "A", "", true))
	require.NoError(t, p.CreateLayer(ctx, "B", "", true))
	free := p.FreeBlocks()
	nlink := p.layerRootDir.Nlink

	err := p.CreateLayer(ctx, "C", "", true)
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Equal(t, []string{"A", "B"}, p.Layers())
	assert.Equal(t, free, p.FreeBlocks(), "superblock block is returned")
	assert.Equal(t, nlink, p.layerRootDir.Nlink)

	require.NoError(t, p.DeleteLayer(ctx, "A"))
	require.NoError(t, p.CreateLayer(ctx, "C", "", true), "slots are recycled")
}

func TestCreateNeedsSpace(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.TotalBlocks = 16
	cfg.ReservePercent = 50
	p := newTestPool(t, cfg, nil)

	require.NoError(t, p.CreateLayer(ctx, "A", "", true))
	require.Equal(t, uint64(14), p.FreeBlocks())
	writeFile(t, p, "A", "big", bytes.Repeat([]byte{1}, 6*types.BlockSize))
	require.Equal(t, uint64(8), p.FreeBlocks())

	err := p.CreateLayer(ctx, "B", "", true)
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Equal(t, []string{"A"}, p.Layers())
}

func TestDeleteLayer(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testConfig(), nil)
	free := p.FreeBlocks()

	err := p.DeleteLayer(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, p.CreateLayer(ctx, "A", "", true))
	writeFile(t, p, "A", "f", bytes.Repeat([]byte{9}, 3*types.BlockSize))
	assert.Equal(t, free-4, p.FreeBlocks())

	changed := p.ChangedLayers()
	a := layerOf(t, p, "A")
	require.NoError(t, p.DeleteLayer(ctx, "A"))
	assert.Equal(t, free, p.FreeBlocks())
	assert.Equal(t, changed+1, p.ChangedLayers(), "deleting a base layer changes the layer set")
	assert.Equal(t, types.LayerRemoved, a.state)
	assert.Empty(t, p.Layers())
	assert.Equal(t, 1, p.forest.len())

	_, err = p.LayerRoot("A")
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, p.free.Canonical())
}

func TestZombieDeferral(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testConfig(), nil)

	require.NoError(t, p.CreateLayer(ctx, "A", "", true))
	writeFile(t, p, "A", "a", bytes.Repeat([]byte{1}, 3*types.BlockSize))
	unmount(t, p, "A")
	require.NoError(t, p.CreateLayer(ctx, "B", "A", true))
	writeFile(t, p, "B", "b", bytes.Repeat([]byte{2}, 2*types.BlockSize))

	a := layerOf(t, p, "A")
	b := layerOf(t, p, "B")
	free := p.FreeBlocks()

	require.NoError(t, p.DeleteLayer(ctx, "A"))
	assert.Equal(t, free, p.FreeBlocks(), "a layer with a live child keeps its blocks")
	assert.Equal(t, types.LayerZombie, a.state)
	assert.True(t, a.super.HasFlag(types.SuperZombie))
	assert.Same(t, a, b.zfs)
	assert.Equal(t, []string{"B"}, p.Layers())
	assert.Equal(t, bytes.Repeat([]byte{1}, 3*types.BlockSize), readFile(t, p, "B", "a"),
		"the child still reads through the zombie")
	checkForest(t, p)

	require.NoError(t, p.DeleteLayer(ctx, "B"))
	assert.Equal(t, free+(3+1)+(2+1), p.FreeBlocks(), "both layers' blocks come back")
	assert.Equal(t, types.LayerRemoved, a.state)
	assert.Equal(t, 1, p.forest.len())
	assert.Equal(t, p.TotalBlocks()-types.FirstDataBlock, p.FreeBlocks())
}

func TestZombieWithSeveralChildren(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testConfig(), nil)

	require.NoError(t, p.CreateLayer(ctx, "A", "", false))
	unmount(t, p, "A")
	require.NoError(t, p.CreateLayer(ctx, "B1", "A", true))
	require.NoError(t, p.CreateLayer(ctx, "B2", "A", true))
	a := layerOf(t, p, "A")
	b2 := layerOf(t, p, "B2")

	require.NoError(t, p.DeleteLayer(ctx, "A"))
	assert.Equal(t, types.LayerZombie, a.state)
	assert.Nil(t, b2.zfs)

	require.NoError(t, p.DeleteLayer(ctx, "B1"))
	assert.Same(t, a, b2.zfs, "the last child gates the zombie")
	assert.Equal(t, types.LayerZombie, a.state)

	require.NoError(t, p.DeleteLayer(ctx, "B2"))
	assert.Equal(t, types.LayerRemoved, a.state)
	assert.Equal(t, p.TotalBlocks()-types.FirstDataBlock, p.FreeBlocks())
}

func TestUnmountFreezes(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testConfig(), nil)
	require.NoError(t, p.CreateLayer(ctx, "A", "", true))
	a := layerOf(t, p, "A")

	require.NoError(t, p.LayerControl(ctx, "A", types.LayerMount))
	unmount(t, p, "A")
	assert.False(t, a.frozen, "another mount reference is still held")

	writeFile(t, p, "A", "keep", []byte("kept"))
	h := writeFile(t, p, "A", "gone", bytes.Repeat([]byte{3}, 2*types.BlockSize))
	require.NotZero(t, h)
	require.NoError(t, p.Unlink(ctx, rootOf(t, p, "A"), "gone"))
	free := p.FreeBlocks()
	assert.Equal(t, uint64(2), a.deferred.Total(), "unlinked blocks wait for the freeze")

	unmount(t, p, "A")
	assert.True(t, a.frozen)
	assert.True(t, a.readOnly)
	assert.True(t, a.super.HasFlag(types.SuperFrozen))
	assert.Equal(t, p.nextInode.Load(), a.super.LastInode)
	assert.Equal(t, free+2, p.FreeBlocks())
	assert.Zero(t, a.dirtyCount(), "dirty pages are flushed after the freeze")

	_, err := p.Write(ctx, h, 0, []byte("x"))
	assert.True(t, errdefs.IsFailedPrecondition(err))
	_, err = p.Create(ctx, rootOf(t, p, "A"), "new")
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Equal(t, "kept", string(readFile(t, p, "A", "keep")))

	// Unmounting a frozen layer only refreshes bookkeeping.
	unmount(t, p, "A")
	assert.Equal(t, uint64(a.icache.Len()), a.super.ICount)
}

func TestLayerControl(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testConfig(), nil)
	var out bytes.Buffer
	p.SetStatsOutput(&out)
	require.NoError(t, p.CreateLayer(ctx, "A", "", true))
	writeFile(t, p, "A", "f", []byte("data"))

	for _, cmd := range []types.LayerCommand{types.LayerMount, types.LayerUnmount, types.LayerClearStat} {
		err := p.LayerControl(ctx, "missing", cmd)
		assert.True(t, errdefs.IsNotFound(err), "%s on a missing layer", cmd)
	}
	assert.True(t, errdefs.IsInvalidArgument(p.LayerControl(ctx, "A", types.LayerCommand(42))))

	require.NoError(t, p.LayerControl(ctx, "A", types.LayerStat))
	assert.Contains(t, out.String(), "WRITE")

	out.Reset()
	require.NoError(t, p.LayerControl(ctx, "missing", types.LayerStat), "stat of an unknown layer shows every layer")
	assert.Contains(t, out.String(), "Stats for A")
	assert.Contains(t, out.String(), "Stats for root")

	require.NoError(t, p.LayerControl(ctx, "A", types.LayerClearStat))
	st, err := p.LayerStats("A")
	require.NoError(t, err)
	assert.Empty(t, st)

	changed := p.ChangedLayers()
	require.NoError(t, p.LayerControl(ctx, "", types.LayerUnmountAll))
	assert.Equal(t, changed+1, p.ChangedLayers())
	assert.Equal(t, uint64(1), p.RootStats()["CLEANUP"].Count)
}
