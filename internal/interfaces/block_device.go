// File: internal/interfaces/block_device.go
package interfaces

// BlockDevice provides block level access to the pool's backing store
type BlockDevice interface {
	// ReadBlock reads one block into buf, which must be BlockSize bytes
	ReadBlock(block uint64, buf []byte) error

	// WriteBlock writes one block from buf
	WriteBlock(block uint64, buf []byte) error

	// TotalBlocks returns the block budget of the device
	TotalBlocks() uint64

	// Sync flushes device buffers
	Sync() error

	// Close releases the device
	Close() error
}

// BlockCache caches device blocks in memory. A cache is owned by a base
// layer and shared by reference with every descendant.
type BlockCache interface {
	// Read returns a copy of the cached contents of block, reading it from
	// the device on a miss
	Read(block uint64) ([]byte, error)

	// Write replaces the cached contents of block and marks it dirty
	Write(block uint64, data []byte) error

	// FlushDirty writes the given dirty blocks to the device
	FlushDirty(blocks []uint64) error

	// Invalidate drops the given blocks, discarding dirty contents
	Invalidate(blocks []uint64)

	// Len returns the number of cached blocks
	Len() int
}
