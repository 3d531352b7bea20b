package script

import (
	"fmt"

	"github.com/deploymenttheory/go-lcfs/pkg/app"
)

var knownCodes = map[string]bool{
	app.ErrCodeNotFound:           true,
	app.ErrCodeExists:             true,
	app.ErrCodeOutOfSpace:         true,
	app.ErrCodeInvalidArgument:    true,
	app.ErrCodeFailedPrecondition: true,
	app.ErrCodePermission:         true,
}

// Validate validates a script run request
func (r *Request) Validate() error {
	if r.Script == nil {
		return app.NewError(app.ErrCodeInvalidInput, "script is required", nil)
	}
	if len(r.Script.Steps) == 0 {
		return app.NewError(app.ErrCodeInvalidInput, "script has no steps", nil)
	}
	for i, step := range r.Script.Steps {
		if err := step.Validate(); err != nil {
			return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("step %d", i+1), err)
		}
	}
	return nil
}

// Validate checks that the step carries the fields its operation needs
func (s Step) Validate() error {
	switch s.Op {
	case OpCreate, OpDelete, OpMount, OpUnmount, OpClearStat:
		if s.Layer == "" {
			return fmt.Errorf("%s needs a layer", s.Op)
		}
	case OpStat, OpUnmountAll, OpSync:
	case OpCommit:
		if s.Layer == "" || s.Pending == "" {
			return fmt.Errorf("commit needs a layer and a pending layer")
		}
	case OpWrite, OpRead, OpMkdir, OpRemove, OpList:
		if s.Layer == "" {
			return fmt.Errorf("%s needs a layer", s.Op)
		}
		if s.Path == "" && s.Op != OpList {
			return fmt.Errorf("%s needs a path", s.Op)
		}
	case "":
		return fmt.Errorf("missing op")
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}

	if s.Expect != "" && !knownCodes[s.Expect] {
		return fmt.Errorf("unknown expected error code %q", s.Expect)
	}
	if s.Want != nil && s.Op != OpRead {
		return fmt.Errorf("want only applies to read")
	}
	return nil
}
