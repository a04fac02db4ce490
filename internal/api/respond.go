package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/checkpoints"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/runner"
)

var (
	errBadBody     = errors.New("malformed request body")
	errRunNotFound = errors.New("run not found")
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	var structural *graph.StructuralError
	switch {
	case errors.Is(err, errBadBody):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrNodeNotFound),
		errors.Is(err, graph.ErrEdgeNotFound),
		errors.Is(err, checkpoints.ErrCheckpointNotFound),
		errors.Is(err, errRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrDuplicateEdge):
		return http.StatusConflict
	case errors.As(err, &structural):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrNoCheckpoints):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		ctxlog.FromContext(ctx).Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadBody, err)
	}
	return nil
}
