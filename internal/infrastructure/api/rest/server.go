// Package rest serves the workflow RPC surface and error-history queries
// over HTTP.
package rest

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/smilemakc/stepflow/internal/application/engine"
	"github.com/smilemakc/stepflow/internal/infrastructure/observer"
)

// Server exposes the engine over a net/http ServeMux.
type Server struct {
	engine *engine.Engine
	hub    *observer.Hub
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer wires routes onto a fresh mux.
func NewServer(eng *engine.Engine, hub *observer.Hub, logger zerolog.Logger) *Server {
	s := &Server{
		engine: eng,
		hub:    hub,
		mux:    http.NewServeMux(),
		logger: logger.With().Str("component", "rest").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/workflows", s.handleList)
	s.mux.HandleFunc("POST /api/v1/workflows", s.handleRegister)
	s.mux.HandleFunc("POST /api/v1/workflows/start", s.handleStart)
	s.mux.HandleFunc("GET /api/v1/workflows/{id}", s.handleStatus)
	s.mux.HandleFunc("POST /api/v1/workflows/{id}/next", s.handleNextStep)
	s.mux.HandleFunc("POST /api/v1/workflows/{id}/tasks/{task}/next", s.handleNextSubAgentStep)
	s.mux.HandleFunc("POST /api/v1/workflows/{id}/steps/{step}/result", s.handleSubmitResult)
	s.mux.HandleFunc("GET /api/v1/workflows/{id}/errors", s.handleErrors)
	s.mux.HandleFunc("GET /api/v1/workflows/{id}/errors/export", s.handleErrorsExport)
	s.mux.HandleFunc("GET /api/v1/errors/summary", s.handleErrorSummary)
	s.mux.HandleFunc("GET /api/v1/errors/patterns", s.handleErrorPatterns)
	if s.hub != nil {
		s.mux.HandleFunc("GET /api/v1/events", observer.Handler(s.hub, s.logger))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	loggingMiddleware(s.logger, recoveryMiddleware(s.logger, s.mux)).ServeHTTP(w, r)
}
