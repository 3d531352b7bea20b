package superblock

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

func TestSuperblockReader(t *testing.T) {
	id := uuid.New()
	sb := &types.Superblock{
		Flags:           types.SuperRDWR | types.SuperFrozen,
		Index:           7,
		Root:            42,
		LastInode:       1000,
		ICount:          12,
		Block:           99,
		DeferredBlocks:  8,
		DeferredExtents: 2,
		Zombie:          types.InvalidIndex,
		Parent:          3,
		UUID:            id,
	}

	reader, err := NewSuperblockReader(EncodeSuperblock(sb, Endian), Endian)
	if err != nil {
		t.Fatalf("NewSuperblockReader() failed: %v", err)
	}

	got := reader.Superblock()
	if got.Magic != types.SuperblockMagic {
		t.Errorf("Magic = 0x%x, want 0x%x", got.Magic, types.SuperblockMagic)
	}
	if reader.Index() != 7 {
		t.Errorf("Index() = %d, want 7", reader.Index())
	}
	if reader.Root() != 42 {
		t.Errorf("Root() = %d, want 42", reader.Root())
	}
	if got.Zombie != types.InvalidIndex {
		t.Errorf("Zombie = %d, want %d", got.Zombie, types.InvalidIndex)
	}
	if got.Parent != 3 || got.Block != 99 || got.DeferredBlocks != 8 {
		t.Errorf("decoded superblock = %+v", got)
	}
	if uuid.UUID(got.UUID) != id {
		t.Errorf("UUID = %s, want %s", uuid.UUID(got.UUID), id)
	}
	if !reader.IsReadWrite() || !reader.IsFrozen() || reader.IsZombie() || reader.IsInit() {
		t.Errorf("flag accessors disagree with flags 0x%x", got.Flags)
	}
}

func TestSuperblockReader_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"Too small", make([]byte, types.SuperblockSize-1)},
		{"Bad magic", make([]byte, types.SuperblockSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSuperblockReader(tt.data, binary.LittleEndian); err == nil {
				t.Error("NewSuperblockReader() should have failed")
			}
		})
	}
}

func TestGlobalSuperblockReader(t *testing.T) {
	id := uuid.New()
	gsb := &types.GlobalSuperblock{
		BlockSize:   types.BlockSize,
		TotalBlocks: 1024,
		FreeBlocks:  1000,
		NextInode:   77,
		LayerRoot:   types.LayerRootInode,
		LayerCount:  4,
		UUID:        id,
	}

	reader, err := NewGlobalSuperblockReader(EncodeGlobalSuperblock(gsb, Endian), Endian)
	if err != nil {
		t.Fatalf("NewGlobalSuperblockReader() failed: %v", err)
	}
	if reader.PoolUUID() != id {
		t.Errorf("PoolUUID() = %s, want %s", reader.PoolUUID(), id)
	}
	if reader.UsedBlocks() != 24 {
		t.Errorf("UsedBlocks() = %d, want 24", reader.UsedBlocks())
	}
	if reader.Superblock().NextInode != 77 {
		t.Errorf("NextInode = %d, want 77", reader.Superblock().NextInode)
	}
}

func TestExtentRecords(t *testing.T) {
	records := []types.ExtentRecord{{Start: 10, Count: 5}, {Start: 3, Block: 100, Count: 2}}

	got, err := ParseExtentRecords(EncodeExtentRecords(records, Endian), Endian)
	if err != nil {
		t.Fatalf("ParseExtentRecords() failed: %v", err)
	}
	if len(got) != 2 || got[0] != records[0] || got[1] != records[1] {
		t.Errorf("ParseExtentRecords() = %+v, want %+v", got, records)
	}

	if _, err := ParseExtentRecords(make([]byte, 10), Endian); err == nil {
		t.Error("ParseExtentRecords() should reject a partial record")
	}
}
