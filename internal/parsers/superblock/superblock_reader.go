package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// Endian is the byte order of every persisted structure.
var Endian = binary.LittleEndian

// SuperblockReader provides parsing capabilities for layer superblocks
type SuperblockReader struct {
	superblock *types.Superblock
	data       []byte
	endian     binary.ByteOrder
}

// NewSuperblockReader creates a new layer superblock reader
func NewSuperblockReader(data []byte, endian binary.ByteOrder) (*SuperblockReader, error) {
	if len(data) < types.SuperblockSize {
		return nil, fmt.Errorf("data too small for layer superblock: %d bytes, need at least %d", len(data), types.SuperblockSize)
	}

	sb, err := parseSuperblock(data, endian)
	if err != nil {
		return nil, fmt.Errorf("failed to parse layer superblock: %w", err)
	}

	return &SuperblockReader{
		superblock: sb,
		data:       data,
		endian:     endian,
	}, nil
}

// parseSuperblock decodes the fixed layout written by EncodeSuperblock
func parseSuperblock(data []byte, endian binary.ByteOrder) (*types.Superblock, error) {
	sb := &types.Superblock{}
	offset := 0

	sb.Magic = endian.Uint32(data[offset : offset+4])
	offset += 4
	if sb.Magic != types.SuperblockMagic {
		return nil, fmt.Errorf("invalid layer superblock magic: 0x%08x", sb.Magic)
	}
	sb.Version = endian.Uint32(data[offset : offset+4])
	offset += 4
	if sb.Version != types.SuperblockVersion {
		return nil, fmt.Errorf("unsupported layer superblock version: %d", sb.Version)
	}
	sb.Flags = endian.Uint32(data[offset : offset+4])
	offset += 4
	sb.Index = int32(endian.Uint32(data[offset : offset+4]))
	offset += 4

	sb.Root = endian.Uint64(data[offset : offset+8])
	offset += 8
	sb.LastInode = endian.Uint64(data[offset : offset+8])
	offset += 8
	sb.ICount = endian.Uint64(data[offset : offset+8])
	offset += 8
	sb.Block = endian.Uint64(data[offset : offset+8])
	offset += 8
	sb.DeferredBlocks = endian.Uint64(data[offset : offset+8])
	offset += 8
	sb.DeferredExtents = endian.Uint64(data[offset : offset+8])
	offset += 8

	sb.Zombie = int32(endian.Uint32(data[offset : offset+4]))
	offset += 4
	sb.Parent = int32(endian.Uint32(data[offset : offset+4]))
	offset += 4

	copy(sb.UUID[:], data[offset:offset+16])

	return sb, nil
}

// EncodeSuperblock writes the fixed layout of a layer superblock
func EncodeSuperblock(sb *types.Superblock, endian binary.ByteOrder) []byte {
	data := make([]byte, types.SuperblockSize)
	offset := 0

	endian.PutUint32(data[offset:offset+4], types.SuperblockMagic)
	offset += 4
	endian.PutUint32(data[offset:offset+4], types.SuperblockVersion)
	offset += 4
	endian.PutUint32(data[offset:offset+4], sb.Flags)
	offset += 4
	endian.PutUint32(data[offset:offset+4], uint32(sb.Index))
	offset += 4

	for _, v := range []uint64{sb.Root, sb.LastInode, sb.ICount, sb.Block, sb.DeferredBlocks, sb.DeferredExtents} {
		endian.PutUint64(data[offset:offset+8], v)
		offset += 8
	}

	endian.PutUint32(data[offset:offset+4], uint32(sb.Zombie))
	offset += 4
	endian.PutUint32(data[offset:offset+4], uint32(sb.Parent))
	offset += 4

	copy(data[offset:offset+16], sb.UUID[:])

	return data
}

// Superblock returns the decoded superblock
func (r *SuperblockReader) Superblock() *types.Superblock {
	return r.superblock
}

// Index returns the global index of the layer
func (r *SuperblockReader) Index() int {
	return int(r.superblock.Index)
}

// Root returns the root inode of the layer
func (r *SuperblockReader) Root() uint64 {
	return r.superblock.Root
}

// IsReadWrite reports whether the layer was read-write when persisted
func (r *SuperblockReader) IsReadWrite() bool {
	return r.superblock.HasFlag(types.SuperRDWR)
}

// IsZombie reports whether the layer was a zombie when persisted
func (r *SuperblockReader) IsZombie() bool {
	return r.superblock.HasFlag(types.SuperZombie)
}

// IsFrozen reports whether the layer was frozen when persisted
func (r *SuperblockReader) IsFrozen() bool {
	return r.superblock.HasFlag(types.SuperFrozen)
}

// IsInit reports whether the layer is a thin init layer
func (r *SuperblockReader) IsInit() bool {
	return r.superblock.HasFlag(types.SuperInit)
}
