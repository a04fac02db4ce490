// Package api exposes workflow editing and execution over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/compiler"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/ctxlog"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/runner"
	"github.com/AccelerationConsortium/workflow-management-sub004/internal/workflow"
)

// Server serves the editor API. Runs started through it outlive their
// request and are cancelled by Shutdown.
type Server struct {
	workflows *workflow.Registry
	compiler  *compiler.Compiler
	runner    *runner.Runner
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(workflows *workflow.Registry, c *compiler.Compiler, r *runner.Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		workflows: workflows,
		compiler:  c,
		runner:    r,
		logger:    logger,
		active:    make(map[string]context.CancelFunc),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/workflows/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetWorkflow)
		r.Post("/nodes", s.handleAddNode)
		r.Patch("/nodes/{nodeID}", s.handleUpdateNode)
		r.Delete("/nodes/{nodeID}", s.handleRemoveNode)
		r.Post("/edges", s.handleAddEdge)
		r.Delete("/edges/{edgeID}", s.handleRemoveEdge)
		r.Get("/order", s.handleOrder)
		r.Get("/validate", s.handleValidate)
		r.Get("/plan", s.handlePlan)
		r.Get("/runs", s.handleHistory)
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Delete("/runs/{runID}", s.handleCancelRun)
	})
	return r
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With("request_id", middleware.GetReqID(r.Context()))
		logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctxlog.WithLogger(r.Context(), logger)))
	})
}

// Shutdown cancels active runs and waits for them to stop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every run started so far has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) (*workflow.Manager, bool) {
	m, err := s.workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return nil, false
	}
	return m, true
}
