package layer

import (
	"fmt"

	"github.com/containerd/errdefs"
)

func notFound(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrNotFound)...)
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrInvalidArgument)...)
}

func failedPrecondition(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrFailedPrecondition)...)
}

func permissionDenied(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrPermissionDenied)...)
}

func outOfSpace(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errdefs.ErrResourceExhausted)...)
}

// invariant panics when a programming contract of the forest is broken.
func invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("layer: "+format, args...))
	}
}
