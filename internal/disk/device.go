package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/deploymenttheory/go-lcfs/internal/interfaces"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

var _ interfaces.BlockDevice = (*FileDevice)(nil)

// FileDevice stores pool blocks in a single file on an afero filesystem
type FileDevice struct {
	file        afero.File
	path        string
	totalBlocks uint64
	mu          sync.Mutex
	stats       *DeviceStatistics
}

// DeviceStatistics tracks device access statistics
type DeviceStatistics struct {
	BlocksRead    int64
	BlocksWritten int64
	Syncs         int64
	mu            sync.RWMutex
}

// OpenFileDevice opens or creates the pool file at path and sizes it for
// totalBlocks blocks
func OpenFileDevice(fs afero.Fs, path string, totalBlocks uint64) (*FileDevice, error) {
	if totalBlocks <= types.FirstDataBlock {
		return nil, fmt.Errorf("device needs more than %d blocks, got %d", types.FirstDataBlock, totalBlocks)
	}

	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file: %w", err)
	}

	size := int64(totalBlocks) * types.BlockSize
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat device file: %w", err)
	}
	if stat.Size() < size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to size device file: %w", err)
		}
	}

	return &FileDevice{
		file:        file,
		path:        path,
		totalBlocks: totalBlocks,
		stats:       &DeviceStatistics{},
	}, nil
}

func (d *FileDevice) checkBlock(block uint64, buf []byte) error {
	if block >= d.totalBlocks {
		return fmt.Errorf("block %d beyond device size %d", block, d.totalBlocks)
	}
	if len(buf) != types.BlockSize {
		return fmt.Errorf("buffer is %d bytes, need %d", len(buf), types.BlockSize)
	}
	return nil
}

// ReadBlock reads one block into buf
func (d *FileDevice) ReadBlock(block uint64, buf []byte) error {
	if err := d.checkBlock(block, buf); err != nil {
		return err
	}

	d.mu.Lock()
	n, err := d.file.ReadAt(buf, int64(block)*types.BlockSize)
	d.mu.Unlock()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read block %d: %w", block, err)
	}
	// Blocks past the written end of a sparse file read as zeros.
	clear(buf[n:])

	d.stats.mu.Lock()
	d.stats.BlocksRead++
	d.stats.mu.Unlock()
	return nil
}

// WriteBlock writes one block from buf
func (d *FileDevice) WriteBlock(block uint64, buf []byte) error {
	if err := d.checkBlock(block, buf); err != nil {
		return err
	}

	d.mu.Lock()
	_, err := d.file.WriteAt(buf, int64(block)*types.BlockSize)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write block %d: %w", block, err)
	}

	d.stats.mu.Lock()
	d.stats.BlocksWritten++
	d.stats.mu.Unlock()
	return nil
}

// TotalBlocks returns the block budget of the device
func (d *FileDevice) TotalBlocks() uint64 {
	return d.totalBlocks
}

// Path returns the device file path
func (d *FileDevice) Path() string {
	return d.path
}

// Sync flushes the device file
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync device: %w", err)
	}
	d.stats.mu.Lock()
	d.stats.Syncs++
	d.stats.mu.Unlock()
	return nil
}

// Close closes the device file
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

// GetStats returns a snapshot of the access statistics
func (d *FileDevice) GetStats() DeviceStatistics {
	d.stats.mu.RLock()
	defer d.stats.mu.RUnlock()
	return DeviceStatistics{
		BlocksRead:    d.stats.BlocksRead,
		BlocksWritten: d.stats.BlocksWritten,
		Syncs:         d.stats.Syncs,
	}
}
