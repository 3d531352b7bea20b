package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// GlobalSuperblockReader provides parsing capabilities for the pool superblock
type GlobalSuperblockReader struct {
	superblock *types.GlobalSuperblock
	endian     binary.ByteOrder
}

// NewGlobalSuperblockReader creates a new global superblock reader
func NewGlobalSuperblockReader(data []byte, endian binary.ByteOrder) (*GlobalSuperblockReader, error) {
	if len(data) < types.GlobalSuperblockSize {
		return nil, fmt.Errorf("data too small for global superblock: %d bytes, need at least %d", len(data), types.GlobalSuperblockSize)
	}

	gsb := &types.GlobalSuperblock{}
	offset := 0

	gsb.Magic = endian.Uint32(data[offset : offset+4])
	offset += 4
	if gsb.Magic != types.GlobalSuperblockMagic {
		return nil, fmt.Errorf("invalid global superblock magic: 0x%08x", gsb.Magic)
	}
	gsb.Version = endian.Uint32(data[offset : offset+4])
	offset += 4
	gsb.BlockSize = endian.Uint32(data[offset : offset+4])
	offset += 4
	gsb.Flags = endian.Uint32(data[offset : offset+4])
	offset += 4

	gsb.TotalBlocks = endian.Uint64(data[offset : offset+8])
	offset += 8
	gsb.FreeBlocks = endian.Uint64(data[offset : offset+8])
	offset += 8
	gsb.NextInode = endian.Uint64(data[offset : offset+8])
	offset += 8
	gsb.LayerRoot = endian.Uint64(data[offset : offset+8])
	offset += 8
	gsb.LayerCount = endian.Uint64(data[offset : offset+8])
	offset += 8

	copy(gsb.UUID[:], data[offset:offset+16])

	return &GlobalSuperblockReader{superblock: gsb, endian: endian}, nil
}

// EncodeGlobalSuperblock writes the fixed layout of the global superblock
func EncodeGlobalSuperblock(gsb *types.GlobalSuperblock, endian binary.ByteOrder) []byte {
	data := make([]byte, types.GlobalSuperblockSize)
	offset := 0

	for _, v := range []uint32{types.GlobalSuperblockMagic, types.SuperblockVersion, gsb.BlockSize, gsb.Flags} {
		endian.PutUint32(data[offset:offset+4], v)
		offset += 4
	}
	for _, v := range []uint64{gsb.TotalBlocks, gsb.FreeBlocks, gsb.NextInode, gsb.LayerRoot, gsb.LayerCount} {
		endian.PutUint64(data[offset:offset+8], v)
		offset += 8
	}
	copy(data[offset:offset+16], gsb.UUID[:])

	return data
}

// Superblock returns the decoded global superblock
func (r *GlobalSuperblockReader) Superblock() *types.GlobalSuperblock {
	return r.superblock
}

// PoolUUID returns the pool identifier
func (r *GlobalSuperblockReader) PoolUUID() uuid.UUID {
	return uuid.UUID(r.superblock.UUID)
}

// UsedBlocks returns the number of allocated blocks at the last sync
func (r *GlobalSuperblockReader) UsedBlocks() uint64 {
	if r.superblock.FreeBlocks > r.superblock.TotalBlocks {
		return 0
	}
	return r.superblock.TotalBlocks - r.superblock.FreeBlocks
}
