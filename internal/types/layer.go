// Package types holds the constants and plain data structures shared by the
// layered copy-on-write storage engine.
package types

import "strings"

// Block geometry

const (
	// BlockSize is the size of a block on the device and of a cached page.
	BlockSize = 4096

	// GlobalSuperblockBlock is the device block holding the global superblock.
	// Block zero is never handed out by the allocator, which lets a zero
	// physical block mean "unmapped" in block maps.
	GlobalSuperblockBlock = 0

	// FirstDataBlock is the first block managed by the free-space list.
	FirstDataBlock = 1
)

// Inode numbers

const (
	// InvalidInode is returned by lookups that do not resolve.
	InvalidInode uint64 = 0

	// RootInode is the root directory of the root layer.
	RootInode uint64 = 1

	// LayerRootInode is the directory inside the root layer holding one entry
	// per named layer.
	LayerRootInode uint64 = 2

	// FirstFreeInode is the first inode number handed out by the allocator.
	FirstFreeInode uint64 = 3

	// LayerRootName is the name of the layer directory in the root layer.
	LayerRootName = "lcfs"

	// RootLayerIndex is the global index of the root layer.
	RootLayerIndex = 0

	// InitLayerMarker marks thin layers created for container init.
	InitLayerMarker = "-init"
)

// MaxLayers bounds the number of layer slots a handle can address.
const MaxLayers = 1 << 16

// Handle identifies an inode across the forest: bits 0-31 carry the inode
// number, bits 32-47 the global index of the layer and bits 48-63 the epoch
// of that slot. A slot changes epoch each time it is given to a new layer.
type Handle uint64

// SetHandle builds a handle from a global index and an inode number, at the
// first epoch of the slot.
func SetHandle(gindex int, ino uint64) Handle {
	return NewHandle(gindex, 0, ino)
}

// NewHandle builds a handle from a global index, a slot epoch and an inode
// number.
func NewHandle(gindex int, epoch uint16, ino uint64) Handle {
	return Handle(uint64(epoch)<<48 | uint64(gindex&0xFFFF)<<32 | (ino & 0xFFFFFFFF))
}

// Index returns the global layer index of the handle.
func (h Handle) Index() int {
	return int(uint64(h) >> 32 & 0xFFFF)
}

// Epoch returns the slot epoch the handle was issued at.
func (h Handle) Epoch() uint16 {
	return uint16(uint64(h) >> 48)
}

// Inode returns the inode number of the handle. Handles at or below the
// root inode always resolve to the root inode.
func (h Handle) Inode() uint64 {
	if uint64(h) <= RootInode {
		return RootInode
	}
	return uint64(h) & 0xFFFFFFFF
}

// WithInode returns the handle of another inode in the same layer.
func (h Handle) WithInode(ino uint64) Handle {
	return h&^0xFFFFFFFF | Handle(ino&0xFFFFFFFF)
}

// IsInitLayer reports whether a read-write layer name denotes a thin init layer.
func IsInitLayer(name string, rw bool) bool {
	return rw && strings.Contains(name, InitLayerMarker)
}

// Superblock flags

const (
	// SuperDirty is set while the in-memory superblock differs from the
	// persisted copy.
	SuperDirty uint32 = 0x00000001

	// SuperRDWR marks a read-write layer.
	SuperRDWR uint32 = 0x00000002

	// SuperMounted marks a mounted layer.
	SuperMounted uint32 = 0x00000004

	// SuperInit marks a thin init layer.
	SuperInit uint32 = 0x00000008

	// SuperZombie marks a layer removed by name whose blocks are still needed
	// by a descendant.
	SuperZombie uint32 = 0x00000010

	// SuperFrozen marks an immutable layer.
	SuperFrozen uint32 = 0x00000020
)

// LayerState is the lifecycle state of a layer record.
type LayerState int

const (
	// LayerActive is a live layer, read-write or frozen.
	LayerActive LayerState = iota

	// LayerZombie is a layer removed by name and awaiting its descendants.
	LayerZombie

	// LayerRemoved is terminal.
	LayerRemoved
)

// String returns the state name.
func (s LayerState) String() string {
	switch s {
	case LayerActive:
		return "active"
	case LayerZombie:
		return "zombie"
	case LayerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// LayerCommand is a layer control command.
type LayerCommand int

const (
	// LayerMount marks a layer mounted.
	LayerMount LayerCommand = iota + 1

	// LayerUnmount drops a mount reference and freezes on the last one.
	LayerUnmount

	// LayerStat displays stats of one layer, or of every layer when the name
	// does not resolve.
	LayerStat

	// LayerClearStat resets the stats of a layer.
	LayerClearStat

	// LayerUnmountAll marks every layer changed.
	LayerUnmountAll
)

// String returns the command name.
func (c LayerCommand) String() string {
	switch c {
	case LayerMount:
		return "mount"
	case LayerUnmount:
		return "umount"
	case LayerStat:
		return "stat"
	case LayerClearStat:
		return "clearstat"
	case LayerUnmountAll:
		return "umountall"
	default:
		return "unknown"
	}
}

// ParseLayerCommand maps a command name to a LayerCommand. Zero is returned
// for names it does not know.
func ParseLayerCommand(name string) LayerCommand {
	for c := LayerMount; c <= LayerUnmountAll; c++ {
		if c.String() == name {
			return c
		}
	}
	return 0
}
