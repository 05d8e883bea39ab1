// Package api implements Bay's HTTP control plane (spec.md section 6.1): a
// thin net/http layer translating /v1/sandboxes requests into calls against
// sandbox.Manager, capability.Router, and idempotency.Service. Routing via
// Go 1.22+ http.ServeMux method+path patterns and the auth/request-ID
// middleware chain are kept from the teacher's internal/api (sandkasten);
// everything below the mux is new per spec.md section 6.1.
package api

import (
	"log/slog"
	"net/http"

	"github.com/baysandbox/bay/internal/capability"
	"github.com/baysandbox/bay/internal/config"
	"github.com/baysandbox/bay/internal/idempotency"
	"github.com/baysandbox/bay/internal/sandbox"
)

// Server wires Bay's HTTP surface to its managers.
type Server struct {
	cfg         *config.Config
	sandboxes   *sandbox.Manager
	capability  *capability.Router
	idempotency *idempotency.Service
	logger      *slog.Logger
	mux         *http.ServeMux
}

func NewServer(cfg *config.Config, sandboxes *sandbox.Manager, cap *capability.Router, idem *idempotency.Service, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		sandboxes:   sandboxes,
		capability:  cap,
		idempotency: idem,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the fully wrapped handler, ready for http.Server.
func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.ownerMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/sandboxes", s.handleCreateSandbox)
	s.mux.HandleFunc("GET /v1/sandboxes", s.handleListSandboxes)
	s.mux.HandleFunc("GET /v1/sandboxes/{id}", s.handleGetSandbox)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/keepalive", s.handleKeepalive)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/stop", s.handleStop)
	s.mux.HandleFunc("DELETE /v1/sandboxes/{id}", s.handleDeleteSandbox)

	s.mux.HandleFunc("POST /v1/sandboxes/{id}/python/exec", s.handlePythonExec)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/shell/exec", s.handleShellExec)

	s.mux.HandleFunc("GET /v1/sandboxes/{id}/files/read", s.handleFilesRead)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/files/write", s.handleFilesWrite)
	s.mux.HandleFunc("GET /v1/sandboxes/{id}/files/list", s.handleFilesList)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/files/delete", s.handleFilesDelete)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/files/upload", s.handleFilesUpload)
	s.mux.HandleFunc("GET /v1/sandboxes/{id}/files/download", s.handleFilesDownload)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
