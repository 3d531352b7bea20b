// File: internal/interfaces/persistence.go
package interfaces

import (
	"time"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// SuperblockWriter persists superblocks on behalf of the pool
type SuperblockWriter interface {
	// WriteSuperblock stores a layer superblock and its deferred-free extents
	WriteSuperblock(sb *types.Superblock, deferred []types.ExtentRecord) error

	// RemoveSuperblock drops the record of a released layer index
	RemoveSuperblock(index int) error

	// WriteGlobal stores the global superblock
	WriteGlobal(gsb *types.GlobalSuperblock) error
}

// StatsSink collects timing samples per request kind
type StatsSink interface {
	// Begin returns the start time of a sample
	Begin() time.Time

	// Add records a sample started at start
	Add(kind types.RequestType, err error, start time.Time)
}
