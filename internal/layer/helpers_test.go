package layer

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-lcfs/internal/config"
	"github.com/deploymenttheory/go-lcfs/internal/disk"
	"github.com/deploymenttheory/go-lcfs/internal/interfaces"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TotalBlocks = 512
	cfg.MaxLayers = 16
	cfg.PageCacheSize = 64
	cfg.ICacheSize = 64
	cfg.ICacheSizeMin = 8
	cfg.ICacheSizeMax = 128
	return cfg
}

func newTestPool(t *testing.T, cfg *config.Config, writer interfaces.SuperblockWriter) *Pool {
	t.Helper()
	dev, err := disk.OpenFileDevice(afero.NewMemMapFs(), "/pool.img", cfg.TotalBlocks)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	p, err := New(context.Background(), cfg, dev, writer)
	require.NoError(t, err)
	t.Cleanup(func() { p.Wait() })
	return p
}

func rootOf(t *testing.T, p *Pool, name string) types.Handle {
	t.Helper()
	h, err := p.LayerRoot(name)
	require.NoError(t, err, "layer %s", name)
	return h
}

func layerOf(t *testing.T, p *Pool, name string) *Layer {
	t.Helper()
	l := p.forest.get(rootOf(t, p, name).Index())
	require.NotNil(t, l)
	return l
}

func writeFile(t *testing.T, p *Pool, layer, file string, data []byte) types.Handle {
	t.Helper()
	ctx := context.Background()
	root := rootOf(t, p, layer)

	attr, err := p.Lookup(ctx, root, file)
	if err != nil {
		attr, err = p.Create(ctx, root, file)
		require.NoError(t, err)
	}
	n, err := p.Write(ctx, attr.Handle, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	return attr.Handle
}

func readFile(t *testing.T, p *Pool, layer, file string) []byte {
	t.Helper()
	ctx := context.Background()
	attr, err := p.Lookup(ctx, rootOf(t, p, layer), file)
	require.NoError(t, err, "lookup %s in %s", file, layer)
	data, err := p.Read(ctx, attr.Handle, 0, int(attr.Size))
	require.NoError(t, err)
	return data
}

func unmount(t *testing.T, p *Pool, name string) {
	t.Helper()
	require.NoError(t, p.LayerControl(context.Background(), name, types.LayerUnmount))
	require.NoError(t, p.Wait())
}

// checkForest verifies that parent chains end at a base layer without
// cycles and that linkage is symmetric.
func checkForest(t *testing.T, p *Pool) {
	t.Helper()
	p.forest.mu.Lock()
	defer p.forest.mu.Unlock()

	for _, l := range p.forest.layers() {
		if l.gindex == types.RootLayerIndex {
			continue
		}
		require.NotEqual(t, types.LayerRemoved, l.state, "published layer %s is removed", l)

		steps := 0
		t2 := l
		for t2.parent != nil {
			t2 = t2.parent
			steps++
			require.LessOrEqual(t, steps, len(p.forest.slots), "cycle above layer %s", l)
		}
		require.Same(t, l.base, t2, "layer %s does not end at its base layer", l)

		for _, c := range l.children {
			require.Same(t, l, c.parent, "child %s of %s points elsewhere", c, l)
		}
		if l.parent != nil {
			found := false
			for _, c := range l.parent.children {
				found = found || c == l
			}
			require.True(t, found, "layer %s missing from children of %s", l, l.parent)
		}
	}
}
