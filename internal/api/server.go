// Package api exposes the workflow service over HTTP/JSON. Every tenant
// request carries an X-Tenant-ID header; resources belonging to another
// tenant are indistinguishable from missing ones.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/flowdhq/flowd/internal/store"
	"github.com/flowdhq/flowd/internal/validation"
)

// Engine is the slice of the execution engine the API needs.
type Engine interface {
	Execute(ctx context.Context, tenantID, workflowID string, input map[string]any, triggeredBy, triggerSource string) (string, error)
	Cancel(ctx context.Context, tenantID, executionID string) error
	Pause(ctx context.Context, tenantID, executionID string) error
	Resume(ctx context.Context, tenantID, executionID string) error
	Activate(ctx context.Context, tenantID, workflowID, updatedBy string) error
	Deactivate(ctx context.Context, tenantID, workflowID, updatedBy string) error
	CreateFromTemplate(ctx context.Context, tenantID, templateID, name, description string, config map[string]any, createdBy string) (*store.Workflow, error)
}

// Deps holds the server's dependencies.
type Deps struct {
	Store     store.Store
	Engine    Engine
	Validator *validation.DefinitionValidator
	Logger    *slog.Logger
}

// Server is the HTTP front of the workflow service.
type Server struct {
	deps Deps
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /workflows/{id}/activate", s.handleActivateWorkflow)
	mux.HandleFunc("POST /workflows/{id}/deactivate", s.handleDeactivateWorkflow)
	mux.HandleFunc("POST /workflows/{id}/execute", s.handleExecuteWorkflow)
	mux.HandleFunc("GET /workflows/{id}/executions", s.handleListExecutions)

	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /executions/{id}/pause", s.handlePauseExecution)
	mux.HandleFunc("POST /executions/{id}/resume", s.handleResumeExecution)

	mux.HandleFunc("GET /templates", s.handleListTemplates)
	mux.HandleFunc("POST /templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("POST /templates/{id}/workflows", s.handleInstantiateTemplate)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
