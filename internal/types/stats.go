package types

// RequestType identifies an operation kind tracked by the stats sink.
type RequestType int

const (
	RequestLookup RequestType = iota
	RequestGetattr
	RequestMkdir
	RequestUnlink
	RequestOpen
	RequestRead
	RequestWrite
	RequestRelease
	RequestReaddir
	RequestCreate
	RequestLayerCreate
	RequestLayerRemove
	RequestLayerCommit
	RequestMount
	RequestStat
	RequestUmount
	RequestCleanup
	RequestMax
)

var requestNames = [RequestMax]string{
	RequestLookup:      "LOOKUP",
	RequestGetattr:     "GETATTR",
	RequestMkdir:       "MKDIR",
	RequestUnlink:      "UNLINK",
	RequestOpen:        "OPEN",
	RequestRead:        "READ",
	RequestWrite:       "WRITE",
	RequestRelease:     "RELEASE",
	RequestReaddir:     "READDIR",
	RequestCreate:      "CREATE",
	RequestLayerCreate: "LAYER_CREATE",
	RequestLayerRemove: "LAYER_REMOVE",
	RequestLayerCommit: "LAYER_COMMIT",
	RequestMount:       "MOUNT",
	RequestStat:        "STAT",
	RequestUmount:      "UMOUNT",
	RequestCleanup:     "CLEANUP",
}

// String returns the request name.
func (r RequestType) String() string {
	if r < 0 || r >= RequestMax {
		return "UNKNOWN"
	}
	return requestNames[r]
}
