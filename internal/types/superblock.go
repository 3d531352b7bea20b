package types

// Superblocks
// One superblock is persisted per layer, plus a global superblock describing
// the whole pool.

const (
	// SuperblockMagic identifies an encoded layer superblock ("LCSB").
	SuperblockMagic uint32 = 0x4253434C

	// GlobalSuperblockMagic identifies an encoded global superblock ("LCFS").
	GlobalSuperblockMagic uint32 = 0x5346434C

	// SuperblockVersion is the current encoding version.
	SuperblockVersion uint32 = 1

	// SuperblockSize is the encoded size of a layer superblock in bytes.
	SuperblockSize = 88

	// GlobalSuperblockSize is the encoded size of the global superblock in bytes.
	GlobalSuperblockSize = 72

	// ExtentRecordSize is the encoded size of one extent record in bytes.
	ExtentRecordSize = 24

	// InvalidIndex marks an unset global index reference (no zombie).
	InvalidIndex int32 = -1
)

// Superblock is the persisted counterpart of a layer's volatile state.
type Superblock struct {
	// Magic identifies the structure.
	Magic uint32

	// Version of the encoding.
	Version uint32

	// Flags is a bit field of Super* values.
	Flags uint32

	// Index is the global index of the layer.
	Index int32

	// Root is the root inode number of the layer.
	Root uint64

	// LastInode is the inode allocation high-water mark recorded at freeze.
	LastInode uint64

	// ICount is the number of inodes cached in the layer.
	ICount uint64

	// Block is the device block reserved for this superblock.
	Block uint64

	// DeferredBlocks is the number of blocks on the deferred-free list.
	DeferredBlocks uint64

	// DeferredExtents is the number of records on the deferred-free list.
	DeferredExtents uint64

	// Zombie is the global index of the zombie layer this layer must be
	// released before, or InvalidIndex.
	Zombie int32

	// Parent is the global index of the parent layer, or InvalidIndex for a
	// base layer.
	Parent int32

	// UUID identifies the layer independently of its recyclable index.
	UUID [16]byte
}

// HasFlag reports whether every bit in flag is set.
func (sb *Superblock) HasFlag(flag uint32) bool {
	return sb.Flags&flag == flag
}

// GlobalSuperblock describes the pool shared by every layer.
type GlobalSuperblock struct {
	// Magic identifies the structure.
	Magic uint32

	// Version of the encoding.
	Version uint32

	// BlockSize is the device block size.
	BlockSize uint32

	// Flags is reserved.
	Flags uint32

	// TotalBlocks is the block budget of the pool.
	TotalBlocks uint64

	// FreeBlocks is the free block count at the last sync.
	FreeBlocks uint64

	// NextInode is the next inode number to allocate.
	NextInode uint64

	// LayerRoot is the inode of the layer name directory.
	LayerRoot uint64

	// LayerCount is the number of live layer records at the last sync.
	LayerCount uint64

	// UUID identifies the pool.
	UUID [16]byte
}

// ExtentRecord is the persisted form of one extent.
type ExtentRecord struct {
	// Start is the first logical (or free physical) block.
	Start uint64

	// Block is the physical block of Start for block maps, zero for free space.
	Block uint64

	// Count is the number of blocks.
	Count uint64
}
