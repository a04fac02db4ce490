package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/checkpoints"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/compiler"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/graph"
)

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Document())
}

// handleAddNode inserts the node from the body. A missing ID is generated.
func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	var node graph.Node
	if err := decode(r, &node); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if node.ID == "" && node.Type.Valid() {
		node.ID = m.NewNodeID(node.Type)
	}
	if err := m.AddNode(r.Context(), node); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	stored, _ := m.Graph().Node(node.ID)
	writeJSON(w, http.StatusCreated, stored)
}

type nodePatch struct {
	Label      *string                `json:"label,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	Parameters map[string]graph.Value `json:"parameters,omitempty"`
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	var body nodePatch
	if err := decode(r, &body); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	patch := graph.NodePatch{Label: body.Label, Tags: body.Tags, Parameters: body.Parameters}
	if err := m.UpdateNode(r.Context(), nodeID, patch); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	stored, _ := m.Graph().Node(nodeID)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	if err := m.RemoveNode(r.Context(), chi.URLParam(r, "nodeID")); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type edgeResult struct {
	Added bool        `json:"added"`
	Edge  *graph.Edge `json:"edge,omitempty"`
}

// handleAddEdge answers 409 with added=false when the edge would close a
// cycle.
func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	var edge graph.Edge
	if err := decode(r, &edge); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if edge.ID == "" {
		edge.ID = m.Graph().NewEdgeID(edge.Source, edge.Target)
	}
	added, err := m.AddEdge(r.Context(), edge)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if !added {
		ctxlog.FromContext(r.Context()).Info("Edge rejected, would create a cycle", "source", edge.Source, "target", edge.Target)
		writeJSON(w, http.StatusConflict, edgeResult{Added: false})
		return
	}
	stored, _ := m.Graph().Edge(edge.ID)
	writeJSON(w, http.StatusCreated, edgeResult{Added: true, Edge: &stored})
}

func (s *Server) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	if err := m.RemoveEdge(r.Context(), chi.URLParam(r, "edgeID")); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	order := m.ExecutionOrder()
	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": ids, "nodes": order})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Validate())
}

func metadataFromQuery(r *http.Request) compiler.Metadata {
	q := r.URL.Query()
	return compiler.Metadata{
		Name:        q.Get("name"),
		Description: q.Get("description"),
		Version:     q.Get("version"),
		Tags:        q["tag"],
	}
}

// handlePlan compiles the current graph. format=yaml selects YAML output.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	plan, err := s.compiler.Compile(metadataFromQuery(r), m.Graph())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if r.URL.Query().Get("format") != "yaml" {
		writeJSON(w, http.StatusOK, plan)
		return
	}
	out, err := plan.ToYAML()
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(out)
}

type runRequest struct {
	Metadata compiler.Metadata `json:"metadata"`
	// Force runs a graph with validation issues.
	Force bool `json:"force,omitempty"`
}

type runAccepted struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
	Tasks      int    `json:"tasks"`
}

type invalidWorkflow struct {
	Error  string                 `json:"error"`
	Report graph.ValidationReport `json:"report"`
}

// handleStartRun compiles the graph and executes it in the background. An
// invalid graph is refused with 422 unless force is set.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	var body runRequest
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			writeError(r.Context(), w, err)
			return
		}
	}

	g := m.Graph()
	if report := g.Validate(); !report.IsValid && !body.Force {
		writeJSON(w, http.StatusUnprocessableEntity, invalidWorkflow{Error: "workflow is not valid", Report: report})
		return
	}
	plan, err := s.compiler.Compile(body.Metadata, g)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	runID := s.runner.NewRunID()
	logger := ctxlog.FromContext(r.Context())
	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.WithoutCancel(r.Context()), logger))

	s.mu.Lock()
	s.active[runID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
			cancel()
		}()
		if _, err := s.runner.Execute(ctx, plan, runID); err != nil {
			logger.Warn("Background run ended with error", "run", runID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, runAccepted{WorkflowID: plan.WorkflowID, RunID: runID, Tasks: len(plan.Tasks)})
}

type runStatus struct {
	RunID     string                            `json:"runId"`
	Status    checkpoints.Status                `json:"status"`
	Current   string                            `json:"current,omitempty"`
	Completed []string                          `json:"completed"`
	Results   map[string]checkpoints.TaskRecord `json:"results"`
	Error     string                            `json:"error,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	progress, err := s.runner.Progress(r.Context(), chi.URLParam(r, "id"), runID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, runStatus{
		RunID:     runID,
		Status:    progress.Status,
		Current:   progress.Current,
		Completed: progress.Completed,
		Results:   progress.Results,
		Error:     progress.Error,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.runner.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if history == nil {
		history = []checkpoints.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": history})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		writeError(r.Context(), w, errRunNotFound)
		return
	}
	cancel()
	w.WriteHeader(http.StatusAccepted)
}
