package services

import (
	"context"
	"time"

	"github.com/deploymenttheory/go-lcfs/internal/stats"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// PoolInfo represents the state of a pool
type PoolInfo struct {
	ID               string `json:"id" yaml:"id"`
	DevicePath       string `json:"device_path" yaml:"device_path"`
	StorePath        string `json:"store_path,omitempty" yaml:"store_path,omitempty"`
	BlockSize        uint32 `json:"block_size" yaml:"block_size"`
	TotalBlocks      uint64 `json:"total_blocks" yaml:"total_blocks"`
	FreeBlocks       uint64 `json:"free_blocks" yaml:"free_blocks"`
	LayerCount       int    `json:"layer_count" yaml:"layer_count"`
	LayersInProgress int64  `json:"layers_in_progress" yaml:"layers_in_progress"`
	ChangedLayers    int64  `json:"changed_layers" yaml:"changed_layers"`
}

// UsedBlocks returns the number of blocks handed out by the pool
func (p PoolInfo) UsedBlocks() uint64 {
	return p.TotalBlocks - types.FirstDataBlock - p.FreeBlocks
}

// LayerInfo represents a named layer
type LayerInfo struct {
	Name   string `json:"name" yaml:"name"`
	Handle uint64 `json:"handle" yaml:"handle"`
	Index  int    `json:"index" yaml:"index"`
}

// StatEntry is the accumulated samples of one request kind
type StatEntry = stats.Entry

// FileInfo represents a file or directory inside a layer
type FileInfo struct {
	Name     string    `json:"name" yaml:"name"`
	Path     string    `json:"path" yaml:"path"`
	Inode    uint64    `json:"inode" yaml:"inode"`
	Dir      bool      `json:"dir" yaml:"dir"`
	Size     uint64    `json:"size" yaml:"size"`
	Links    uint32    `json:"links" yaml:"links"`
	Modified time.Time `json:"modified" yaml:"modified"`
}

// LayerService provides layer lifecycle operations
type LayerService interface {
	// CreateLayer creates a layer, a base layer when parent is empty
	CreateLayer(ctx context.Context, name, parent string, rw bool) error

	// CommitLayer commits the read-write layer name into the pending layer
	CommitLayer(ctx context.Context, name, pending string) error

	// DeleteLayer removes a layer
	DeleteLayer(ctx context.Context, name string) error

	// Control runs a mount, unmount, stat or clearstat command
	Control(ctx context.Context, name string, cmd types.LayerCommand) error

	// ListLayers returns every named layer
	ListLayers(ctx context.Context) ([]LayerInfo, error)

	// LayerStats returns the request stats of a layer
	LayerStats(ctx context.Context, name string) (map[string]StatEntry, error)

	// PoolInfo returns the pool state
	PoolInfo(ctx context.Context) PoolInfo

	// Sync persists every dirty superblock
	Sync(ctx context.Context) error
}

// FileService provides path based file access inside a layer
type FileService interface {
	// WriteFile writes data at the start of the file at path, creating it
	// and its parent directories
	WriteFile(ctx context.Context, layer, path string, data []byte) error

	// ReadFile reads the whole file at path
	ReadFile(ctx context.Context, layer, path string) ([]byte, error)

	// Mkdir creates the directory at path and its parents
	Mkdir(ctx context.Context, layer, path string) error

	// Remove unlinks the file or empty directory at path
	Remove(ctx context.Context, layer, path string) error

	// List returns the entries of the directory at path
	List(ctx context.Context, layer, path string) ([]FileInfo, error)

	// Stat returns information about the entry at path
	Stat(ctx context.Context, layer, path string) (FileInfo, error)
}
