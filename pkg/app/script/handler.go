package script

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/deploymenttheory/go-lcfs/internal/types"
	"github.com/deploymenttheory/go-lcfs/pkg/app"
	"github.com/deploymenttheory/go-lcfs/pkg/services"
)

// Load reads a YAML script from path on fs
func Load(fs afero.Fs, path string) (*Script, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("failed to read script %s", path), err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("failed to parse script %s", path), err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// Handle runs every step of a script against the services
func Handle(ctx *app.Context, layers services.LayerService, files services.FileService, req *Request) (*Response, error) {
	startTime := time.Now()

	// 1. Validate request
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Running script %s (%d steps)", req.Script.Name, len(req.Script.Steps)))

	// 2. Run steps
	response := &Response{Script: req.Script.Name}
	stop := false
	total := len(req.Script.Steps)
	for i, step := range req.Script.Steps {
		res := StepResult{Index: i + 1, Step: step.String()}
		if stop {
			res.Status = StatusSkipped
			response.Results = append(response.Results, res)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, app.WrapError("script interrupted", err)
		}

		start := time.Now()
		output, err := runStep(ctx, layers, files, step)
		res.Elapsed = time.Since(start)
		res.Output = output
		judge(&res, step, output, err)

		if res.Passed() {
			response.Passed++
		} else {
			response.Failed++
			ctx.Error(fmt.Sprintf("Step %d (%s) failed: %s", res.Index, res.Step, res.Error), err)
			stop = !req.Script.ContinueOnError
		}
		response.Results = append(response.Results, res)
		ctx.Progress(res.Step, (i+1)*100/total)
	}

	// 3. Collect final state
	list, err := layers.ListLayers(ctx)
	if err != nil {
		return nil, app.WrapError("failed to list layers", err)
	}
	response.Layers = list
	response.Pool = layers.PoolInfo(ctx)
	response.Elapsed = time.Since(startTime)

	ctx.Log(fmt.Sprintf("Script completed: %d passed, %d failed in %v", response.Passed, response.Failed, response.Elapsed))
	return response, nil
}

// judge compares the outcome of a step with what the script expects
func judge(res *StepResult, step Step, output []string, err error) {
	code := app.Code(err)
	switch {
	case step.Expect != "" && code == step.Expect:
		res.Status = StatusExpected
		res.Code = code
	case step.Expect != "" && err == nil:
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("expected %s, step succeeded", step.Expect)
	case err != nil:
		res.Status = StatusFailed
		res.Code = code
		res.Error = err.Error()
	case step.Want != nil && (len(output) != 1 || output[0] != *step.Want):
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("read %q, want %q", output, *step.Want)
	default:
		res.Status = StatusOK
	}
}

func runStep(ctx *app.Context, layers services.LayerService, files services.FileService, step Step) ([]string, error) {
	switch step.Op {
	case OpCreate:
		return nil, layers.CreateLayer(ctx, step.Layer, step.Parent, step.RW)
	case OpCommit:
		return nil, layers.CommitLayer(ctx, step.Layer, step.Pending)
	case OpDelete:
		return nil, layers.DeleteLayer(ctx, step.Layer)
	case OpMount, OpUnmount, OpStat, OpClearStat, OpUnmountAll:
		return nil, layers.Control(ctx, step.Layer, types.ParseLayerCommand(step.Op))
	case OpSync:
		return nil, layers.Sync(ctx)
	case OpWrite:
		return nil, files.WriteFile(ctx, step.Layer, step.Path, []byte(step.Data))
	case OpRead:
		data, err := files.ReadFile(ctx, step.Layer, step.Path)
		if err != nil {
			return nil, err
		}
		return []string{string(data)}, nil
	case OpMkdir:
		return nil, files.Mkdir(ctx, step.Layer, step.Path)
	case OpRemove:
		return nil, files.Remove(ctx, step.Layer, step.Path)
	case OpList:
		entries, err := files.List(ctx, step.Layer, step.Path)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Dir {
				names = append(names, e.Name+"/")
			} else {
				names = append(names, e.Name)
			}
		}
		return names, nil
	default:
		return nil, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("unknown op %q", step.Op), nil)
	}
}

// FormatSummary provides a brief summary for verbose output
func FormatSummary(response *Response) string {
	summary := fmt.Sprintf("%d of %d steps passed", response.Passed, len(response.Results))
	if response.Failed > 0 {
		summary += fmt.Sprintf(", %d failed", response.Failed)
	}
	used := response.Pool.UsedBlocks() * uint64(response.Pool.BlockSize)
	summary += fmt.Sprintf(", %d layers, %s used in %v", len(response.Layers), app.FormatBytes(used), response.Elapsed)
	return summary
}
