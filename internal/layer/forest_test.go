package layer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-lcfs/internal/disk"
	"github.com/deploymenttheory/go-lcfs/internal/parsers/superblock"
	"github.com/deploymenttheory/go-lcfs/internal/store"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

func TestTryWith(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxLayers = 2
	p := newTestPool(t, cfg, nil)
	require.NoError(t, p.CreateLayer(ctx, "A", "", true))
	a := layerOf(t, p, "A")
	r := p.forest.refOf(a.Index())

	ran := 0
	fn := func(l *Layer) {
		assert.Same(t, a, l)
		ran++
	}
	assert.True(t, p.forest.tryWith(r, a.root, fn))
	assert.Equal(t, 1, ran)

	a.mu.Lock()
	assert.False(t, p.forest.tryWith(r, a.root, fn), "a locked layer is skipped")
	a.mu.Unlock()

	a.mu.RLock()
	assert.True(t, p.forest.tryWith(r, a.root, fn), "readers do not block each other")
	a.mu.RUnlock()
	assert.False(t, p.forest.tryWith(r, a.root+1, fn), "root mismatch")
	assert.Equal(t, 2, ran)

	require.NoError(t, p.DeleteLayer(ctx, "A"))
	assert.False(t, p.forest.tryWith(r, a.root, fn), "empty slot")

	require.NoError(t, p.CreateLayer(ctx, "B", "", true))
	b := layerOf(t, p, "B")
	require.Equal(t, r.index, b.Index(), "the only slot is reused")
	assert.False(t, p.forest.tryWith(r, b.root, fn), "stale generation")
	assert.True(t, p.forest.tryWith(p.forest.refOf(b.Index()), b.root, func(*Layer) {}))
	assert.Equal(t, 2, ran)
}

func TestForestAdd(t *testing.T) {
	p := newTestPool(t, testConfig(), nil)
	f := newForest(4)
	f.setRoot(p.root)

	mk := func(root uint64) *Layer {
		return p.newLayer(fmt.Sprintf("l%d", root), root, types.SuperRDWR)
	}
	a, b, c := mk(10), mk(11), mk(12)

	inval, err := f.add(a, nil)
	require.NoError(t, err)
	assert.Zero(t, inval)
	inval, err = f.add(b, a)
	require.NoError(t, err)
	assert.Equal(t, a.gindex, inval, "first child reports its parent")
	inval, err = f.add(c, a)
	require.NoError(t, err)
	assert.Zero(t, inval)

	assert.ElementsMatch(t, []int{1, 2, 3}, []int{a.gindex, b.gindex, c.gindex})
	assert.Equal(t, 4, f.len())
	_, err = f.add(mk(13), nil)
	assert.True(t, errdefs.IsResourceExhausted(err))

	index, ok := f.indexOf(11)
	require.True(t, ok)
	assert.Equal(t, b.gindex, index)

	f.makeZombie(a)
	assert.Nil(t, b.zfs, "two children keep the zombie")
	f.remove(b)
	assert.Same(t, a, c.zfs)
	assert.Nil(t, b.parent)
	assert.Equal(t, []*Layer{c}, f.childrenOf(a))
	_, ok = f.indexOf(11)
	assert.False(t, ok)

	d := mk(14)
	_, err = f.add(d, nil)
	require.NoError(t, err)
	assert.Equal(t, b.gindex, d.gindex)
}

func TestWithout(t *testing.T) {
	a, b, c := &Layer{}, &Layer{}, &Layer{}
	list := []*Layer{a, b, c}
	out := without(list, b)
	assert.Equal(t, []*Layer{a, c}, out)
	assert.Same(t, b, list[1], "the source list is not modified")
	assert.Equal(t, []*Layer{a, c}, without(out, &Layer{}))
}

func TestConcurrentLayers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxLayers = 64
	cfg.TotalBlocks = 2048
	p := newTestPool(t, cfg, nil)

	require.NoError(t, p.CreateLayer(ctx, "image", "", false))
	writeFile(t, p, "image", "shared", []byte("image data"))
	unmount(t, p, "image")

	const workers = 8
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		name := fmt.Sprintf("c%d", i)
		g.Go(func() error {
			if err := p.CreateLayer(ctx, name, "image", true); err != nil {
				return err
			}
			root, err := p.LayerRoot(name)
			if err != nil {
				return err
			}
			for j := 0; j < 5; j++ {
				attr, err := p.Create(ctx, root, fmt.Sprintf("f%d", j))
				if err != nil {
					return err
				}
				if _, err := p.Write(ctx, attr.Handle, 0, []byte(name)); err != nil {
					return err
				}
			}
			attr, err := p.Lookup(ctx, root, "shared")
			if err != nil {
				return err
			}
			data, err := p.Read(ctx, attr.Handle, 0, int(attr.Size))
			if err != nil {
				return err
			}
			if string(data) != "image data" {
				return fmt.Errorf("layer %s read %q", name, data)
			}
			if i%2 == 0 {
				return p.DeleteLayer(ctx, name)
			}
			return p.LayerControl(ctx, name, types.LayerStat)
		})
	}
	// Readers of the image race with the writers
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			root, err := p.LayerRoot("image")
			if err != nil {
				return err
			}
			attr, err := p.Lookup(ctx, root, "shared")
			if err != nil {
				return err
			}
			_, err = p.Read(ctx, attr.Handle, 0, int(attr.Size))
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, p.Wait())

	assert.Equal(t, []string{"c1", "c3", "c5", "c7", "image"}, p.Layers())
	for _, name := range []string{"c1", "c3", "c5", "c7"} {
		assert.Equal(t, name, string(readFile(t, p, name, "f4")))
	}
	checkForest(t, p)

	for _, name := range []string{"c1", "c3", "c5", "c7", "image"} {
		require.NoError(t, p.DeleteLayer(ctx, name))
	}
	assert.Equal(t, p.TotalBlocks()-types.FirstDataBlock, p.FreeBlocks())
}

// Unmounts start background flushes while Sync and other unmounts wait for
// them.
func TestConcurrentUnmountAndSync(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxLayers = 64
	cfg.TotalBlocks = 2048
	p := newTestPool(t, cfg, nil)

	require.NoError(t, p.CreateLayer(ctx, "image", "", false))
	writeFile(t, p, "image", "shared", []byte("image data"))
	unmount(t, p, "image")

	const layers = 30
	for i := 0; i < layers; i++ {
		name := fmt.Sprintf("c%d", i)
		require.NoError(t, p.CreateLayer(ctx, name, "image", true))
		writeFile(t, p, name, "f", []byte(name))
	}

	var g errgroup.Group
	for i := 0; i < layers; i++ {
		name := fmt.Sprintf("c%d", i)
		g.Go(func() error {
			if err := p.LayerControl(ctx, name, types.LayerUnmount); err != nil {
				return err
			}
			return p.Wait()
		})
		if i%5 == 0 {
			g.Go(func() error { return p.Sync(ctx) })
		}
	}
	require.NoError(t, g.Wait())
	require.NoError(t, p.Sync(ctx))

	for i := 0; i < layers; i++ {
		name := fmt.Sprintf("c%d", i)
		assert.True(t, layerOf(t, p, name).frozen, "layer %s", name)
		assert.Equal(t, name, string(readFile(t, p, name, "f")))
	}
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	assert.Empty(t, p.draining)
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "lcfs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := testConfig()
	fs := afero.NewMemMapFs()
	dev, err := disk.OpenFileDevice(fs, "/pool.img", cfg.TotalBlocks)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	p, err := New(ctx, cfg, dev, st)
	require.NoError(t, err)

	require.NoError(t, p.CreateLayer(ctx, "A", "", true))
	h := writeFile(t, p, "A", "f", []byte("persisted"))
	require.NoError(t, p.Unlink(ctx, rootOf(t, p, "A"), "f"))
	require.NotZero(t, h)
	a := layerOf(t, p, "A")
	require.NoError(t, p.Sync(ctx))
	assert.False(t, a.super.HasFlag(types.SuperDirty))

	records, err := st.Records()
	require.NoError(t, err)
	var found *store.Record
	for i := range records {
		if records[i].Superblock.Index == int32(a.Index()) {
			found = &records[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, a.root, found.Superblock.Root)
	assert.Equal(t, uint64(1), found.Superblock.DeferredBlocks)
	assert.Len(t, found.Deferred, 1)
	assert.Equal(t, types.InvalidIndex, found.Superblock.Parent)

	gsb, err := st.Global()
	require.NoError(t, err)
	require.NotNil(t, gsb)
	assert.Equal(t, uint64(1), gsb.LayerCount)
	assert.Equal(t, p.FreeBlocks(), gsb.FreeBlocks)

	// The device carries the same superblocks
	buf := make([]byte, types.BlockSize)
	require.NoError(t, dev.ReadBlock(types.GlobalSuperblockBlock, buf))
	gr, err := superblock.NewGlobalSuperblockReader(buf, superblock.Endian)
	require.NoError(t, err)
	assert.Equal(t, p.ID(), gr.PoolUUID())
	require.NoError(t, dev.ReadBlock(a.sblock, buf))
	sr, err := superblock.NewSuperblockReader(buf, superblock.Endian)
	require.NoError(t, err)
	assert.Equal(t, a.root, sr.Root())
	assert.True(t, sr.IsReadWrite())

	writes := st.Writes()
	require.NoError(t, p.Sync(ctx))
	assert.Equal(t, writes, st.Writes(), "clean layers are not rewritten")

	require.NoError(t, p.DeleteLayer(ctx, "A"))
	require.NoError(t, p.Close(ctx))
	records, err = st.Records()
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotEqual(t, int32(a.Index()), rec.Superblock.Index)
	}
}
