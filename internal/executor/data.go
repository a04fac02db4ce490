package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

type dataProcessing struct {
	base
}

func NewDataProcessing(nodeID string, _ Deps) Executor {
	return &dataProcessing{base: base{nodeID: nodeID, opType: graph.DataProcessing}}
}

var reducers = map[string]func([]float64) float64{
	"sum": func(xs []float64) float64 {
		var s float64
		for _, x := range xs {
			s += x
		}
		return s
	},
	"count": func(xs []float64) float64 { return float64(len(xs)) },
	"mean": func(xs []float64) float64 {
		var s float64
		for _, x := range xs {
			s += x
		}
		return s / float64(len(xs))
	},
	"min": func(xs []float64) float64 {
		m := xs[0]
		for _, x := range xs[1:] {
			m = min(m, x)
		}
		return m
	},
	"max": func(xs []float64) float64 {
		m := xs[0]
		for _, x := range xs[1:] {
			m = max(m, x)
		}
		return m
	},
}

// Execute applies operation (mean, min, max, sum or count) to data.
func (e *dataProcessing) Execute(ctx context.Context, params map[string]any) (Result, error) {
	op, err := text(params, "operation", true)
	if err != nil {
		return Result{}, e.HandleError(ctx, err)
	}
	reduce, ok := reducers[op]
	if !ok {
		return Result{}, e.HandleError(ctx, fmt.Errorf("%w: unknown operation %q", ErrInvalidParameter, op))
	}
	data, err := numbers(params, "data")
	if err != nil {
		return Result{}, e.HandleError(ctx, err)
	}
	if len(data) == 0 && op != "count" && op != "sum" {
		return Result{}, e.HandleError(ctx, fmt.Errorf("%w: %s of an empty data set", ErrInvalidParameter, op))
	}
	return e.result(map[string]any{
		"operation": op,
		"result":    reduce(data),
		"count":     len(data),
	}), nil
}

// Files is the storage behind FileInput and FileOutput.
type Files interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
}

// LocalFiles keeps files under a root directory. Paths must stay inside it.
type LocalFiles struct {
	Root string
}

func (l LocalFiles) resolve(path string) (string, error) {
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("%w: path %q escapes the file root", ErrInvalidParameter, path)
	}
	return filepath.Join(l.Root, path), nil
}

func (l LocalFiles) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (l LocalFiles) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

type fileInput struct {
	base
	files Files
}

func NewFileInput(nodeID string, deps Deps) Executor {
	return &fileInput{base: base{nodeID: nodeID, opType: graph.FileInput}, files: deps.Files}
}

// Execute reads path. JSON content is decoded into "data"; anything else is
// returned as text in "content".
func (e *fileInput) Execute(ctx context.Context, params map[string]any) (Result, error) {
	if e.files == nil {
		return Result{}, e.HandleError(ctx, fmt.Errorf("no file storage configured"))
	}
	path, err := text(params, "path", true)
	if err != nil {
		return Result{}, e.HandleError(ctx, err)
	}
	raw, err := e.files.Read(ctx, path)
	if err != nil {
		return Result{}, e.HandleError(ctx, fmt.Errorf("read %s: %w", path, err))
	}

	payload := map[string]any{"path": path, "size": len(raw)}
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		payload["data"] = decoded
	} else {
		payload["content"] = string(raw)
	}
	return e.result(payload), nil
}

type fileOutput struct {
	base
	files Files
}

func NewFileOutput(nodeID string, deps Deps) Executor {
	return &fileOutput{base: base{nodeID: nodeID, opType: graph.FileOutput}, files: deps.Files}
}

// Execute writes the "data" parameter to path as indented JSON.
func (e *fileOutput) Execute(ctx context.Context, params map[string]any) (Result, error) {
	if e.files == nil {
		return Result{}, e.HandleError(ctx, fmt.Errorf("no file storage configured"))
	}
	path, err := text(params, "path", true)
	if err != nil {
		return Result{}, e.HandleError(ctx, err)
	}
	out, err := json.MarshalIndent(params["data"], "", "  ")
	if err != nil {
		return Result{}, e.HandleError(ctx, fmt.Errorf("encode %s: %w", path, err))
	}
	if err := e.files.Write(ctx, path, out); err != nil {
		return Result{}, e.HandleError(ctx, fmt.Errorf("write %s: %w", path, err))
	}
	return e.result(map[string]any{"path": path, "bytes": len(out)}), nil
}
