package services

import (
	"context"
	"io"

	"github.com/containerd/log"

	"github.com/deploymenttheory/go-lcfs/internal/layer"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// layerService implements the LayerService interface
type layerService struct {
	pool       *layer.Pool
	devicePath string
	storePath  string
}

// NewLayerService creates a new layer service over a pool
func NewLayerService(pool *layer.Pool, devicePath, storePath string) LayerService {
	return &layerService{
		pool:       pool,
		devicePath: devicePath,
		storePath:  storePath,
	}
}

// SetStatsOutput sets where the stat command writes
func SetStatsOutput(svc LayerService, w io.Writer) {
	if ls, ok := svc.(*layerService); ok {
		ls.pool.SetStatsOutput(w)
	}
}

// CreateLayer creates a layer
func (ls *layerService) CreateLayer(ctx context.Context, name, parent string, rw bool) error {
	return ls.pool.CreateLayer(ctx, name, parent, rw)
}

// CommitLayer commits layer name into the pending layer
func (ls *layerService) CommitLayer(ctx context.Context, name, pending string) error {
	h, err := ls.pool.LayerRoot(name)
	if err != nil {
		return err
	}
	nh, err := ls.pool.CommitLayer(ctx, h, pending)
	if err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{"layer": name, "pending": pending, "handle": uint64(nh)}).Debug("commit done")
	return nil
}

// DeleteLayer removes a layer
func (ls *layerService) DeleteLayer(ctx context.Context, name string) error {
	return ls.pool.DeleteLayer(ctx, name)
}

// Control runs a layer control command
func (ls *layerService) Control(ctx context.Context, name string, cmd types.LayerCommand) error {
	if err := ls.pool.LayerControl(ctx, name, cmd); err != nil {
		return err
	}
	// Flushes started by an unmount finish before the caller looks again
	if cmd == types.LayerUnmount {
		return ls.pool.Wait()
	}
	return nil
}

// ListLayers returns every named layer
func (ls *layerService) ListLayers(ctx context.Context) ([]LayerInfo, error) {
	names := ls.pool.Layers()
	layers := make([]LayerInfo, 0, len(names))
	for _, name := range names {
		h, err := ls.pool.LayerRoot(name)
		if err != nil {
			// Deleted since the listing
			continue
		}
		layers = append(layers, LayerInfo{Name: name, Handle: uint64(h), Index: h.Index()})
	}
	return layers, nil
}

// LayerStats returns the request stats of a layer
func (ls *layerService) LayerStats(ctx context.Context, name string) (map[string]StatEntry, error) {
	return ls.pool.LayerStats(name)
}

// PoolInfo returns the pool state
func (ls *layerService) PoolInfo(ctx context.Context) PoolInfo {
	return PoolInfo{
		ID:               ls.pool.ID().String(),
		DevicePath:       ls.devicePath,
		StorePath:        ls.storePath,
		BlockSize:        types.BlockSize,
		TotalBlocks:      ls.pool.TotalBlocks(),
		FreeBlocks:       ls.pool.FreeBlocks(),
		LayerCount:       len(ls.pool.Layers()),
		LayersInProgress: ls.pool.LayersInProgress(),
		ChangedLayers:    ls.pool.ChangedLayers(),
	}
}

// Sync persists every dirty superblock
func (ls *layerService) Sync(ctx context.Context) error {
	return ls.pool.Sync(ctx)
}
