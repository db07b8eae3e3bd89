package server

import (
	"net/http"

	"github.com/ternarybob/fresco/internal/metrics"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Workflow templates and single jobs
	mux.HandleFunc("/api/workflows/execute", s.app.WorkflowHandler.ExecuteHandler) // POST - submit one render
	mux.HandleFunc("/api/workflows", s.app.WorkflowHandler.ListHandler)            // GET - list templates
	mux.HandleFunc("/api/workflows/", s.app.WorkflowHandler.Routes)                // GET /{name}[/parameters] or /{id}/status

	// API routes - Chains
	mux.HandleFunc("/api/chains/execute", s.app.ChainHandler.ExecuteHandler)   // POST - submit a chain
	mux.HandleFunc("/api/chains/validate", s.app.ChainHandler.ValidateHandler) // POST - dry-run planning
	mux.HandleFunc("/api/chains", s.app.ChainHandler.ListHandler)              // GET - list chains
	mux.HandleFunc("/api/chains/", s.app.ChainHandler.Routes)                  // GET/POST /{id}[/status|/jobs|/cancel]

	// API routes - Jobs and artifacts
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListHandler)          // GET - list jobs
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.Routes)              // GET /{id}[/artifacts]
	mux.HandleFunc("/api/artifacts/", s.app.JobHandler.ArtifactRoutes) // GET /{id}[/content]

	// API routes - Backend pool
	mux.HandleFunc("/api/backends", s.app.BackendHandler.PoolHandler) // GET list, POST register
	mux.HandleFunc("/api/backends/", s.app.BackendHandler.Routes)     // DELETE /{address}

	// Approval surface (token-addressed, no auth beyond the token itself)
	mux.HandleFunc("/approval/", s.app.ApprovalHandler.Routes)
	mux.HandleFunc("/api/approval/", s.app.ApprovalHandler.Routes)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.StatusHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/healthz", s.app.StatusHandler.HealthHandler)
	mux.Handle("/metrics", metrics.Handler())

	return mux
}
