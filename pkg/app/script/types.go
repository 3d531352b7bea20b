package script

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-lcfs/pkg/services"
)

// Step operations
const (
	OpCreate     = "create"
	OpCommit     = "commit"
	OpDelete     = "delete"
	OpMount      = "mount"
	OpUnmount    = "umount"
	OpStat       = "stat"
	OpClearStat  = "clearstat"
	OpUnmountAll = "umountall"
	OpWrite      = "write"
	OpRead       = "read"
	OpMkdir      = "mkdir"
	OpRemove     = "remove"
	OpList       = "list"
	OpSync       = "sync"
)

// Step statuses
const (
	StatusOK       = "ok"
	StatusExpected = "expected"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// Script is a sequence of layer and file operations
type Script struct {
	Name            string `json:"name" yaml:"name"`
	ContinueOnError bool   `json:"continue_on_error" yaml:"continue_on_error"`
	Steps           []Step `json:"steps" yaml:"steps"`
}

// Step is one operation of a script
type Step struct {
	Op      string `json:"op" yaml:"op"`
	Layer   string `json:"layer,omitempty" yaml:"layer,omitempty"`
	Parent  string `json:"parent,omitempty" yaml:"parent,omitempty"`
	RW      bool   `json:"rw,omitempty" yaml:"rw,omitempty"`
	Pending string `json:"pending,omitempty" yaml:"pending,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	Data    string `json:"data,omitempty" yaml:"data,omitempty"`

	// Expect is the error code the step must fail with
	Expect string `json:"expect,omitempty" yaml:"expect,omitempty"`

	// Want is the content a read must return
	Want *string `json:"want,omitempty" yaml:"want,omitempty"`
}

// String returns a short description of the step
func (s Step) String() string {
	switch s.Op {
	case OpCreate:
		if s.Parent == "" {
			return fmt.Sprintf("create %s", s.Layer)
		}
		return fmt.Sprintf("create %s from %s", s.Layer, s.Parent)
	case OpCommit:
		return fmt.Sprintf("commit %s into %s", s.Layer, s.Pending)
	case OpUnmountAll, OpSync:
		return s.Op
	case OpWrite, OpRead, OpMkdir, OpRemove, OpList:
		return fmt.Sprintf("%s %s:%s", s.Op, s.Layer, s.Path)
	default:
		return fmt.Sprintf("%s %s", s.Op, s.Layer)
	}
}

// Request represents a script run request
type Request struct {
	ScriptPath string
	Script     *Script
}

// StepResult is the outcome of one step
type StepResult struct {
	Index   int           `json:"index" yaml:"index"`
	Step    string        `json:"step" yaml:"step"`
	Status  string        `json:"status" yaml:"status"`
	Code    string        `json:"code,omitempty" yaml:"code,omitempty"`
	Error   string        `json:"error,omitempty" yaml:"error,omitempty"`
	Output  []string      `json:"output,omitempty" yaml:"output,omitempty"`
	Elapsed time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Passed reports whether the step ran as the script expected
func (r StepResult) Passed() bool {
	return r.Status == StatusOK || r.Status == StatusExpected
}

// Response represents the results of a script run
type Response struct {
	Script  string               `json:"script" yaml:"script"`
	Results []StepResult         `json:"results" yaml:"results"`
	Passed  int                  `json:"passed" yaml:"passed"`
	Failed  int                  `json:"failed" yaml:"failed"`
	Elapsed time.Duration        `json:"elapsed" yaml:"elapsed"`
	Layers  []services.LayerInfo `json:"layers" yaml:"layers"`
	Pool    services.PoolInfo    `json:"pool" yaml:"pool"`
}

// Header implements app.Table
func (r *Response) Header() []string {
	return []string{"#", "STEP", "STATUS", "CODE", "DETAIL"}
}

// Rows implements app.Table
func (r *Response) Rows() [][]string {
	rows := make([][]string, 0, len(r.Results))
	for _, res := range r.Results {
		detail := res.Error
		if detail == "" && len(res.Output) > 0 {
			detail = fmt.Sprintf("%v", res.Output)
		}
		rows = append(rows, []string{fmt.Sprint(res.Index), res.Step, res.Status, res.Code, detail})
	}
	return rows
}
