// Package server implements the Control Server's HTTP surface: the
// client-facing submission/query API and the agent-facing coordination API
// (§6), both as thin JSON wrappers over internal/orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/logging"
	"github.com/Will-Luck/command-orchestrator/internal/orchestrator"
	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

// Dependencies holds what the HTTP layer needs from the rest of the
// application.
type Dependencies struct {
	Service        *orchestrator.Service
	Clock          clock.Clock
	Log            *logging.Logger
	MetricsEnabled bool
}

// Server serves the Client API and the Agent API over plain HTTP.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// recoverMiddleware wraps next so a handler panic is logged and answered
// with a 500 instead of crashing the server — one bad request must not take
// down the whole process.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.deps.Log.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /commands", s.handleSubmit)
	s.mux.HandleFunc("GET /commands/{id}", s.handleGetCommand)
	s.mux.HandleFunc("GET /commands", s.handleListCommands)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /agent/fetch", s.handleAgentFetch)
	s.mux.HandleFunc("POST /agent/result", s.handleAgentResult)
	s.mux.HandleFunc("POST /agent/sync", s.handleAgentSync)
	s.mux.HandleFunc("POST /agent/heartbeat", s.handleAgentHeartbeat)

	if s.deps.MetricsEnabled {
		s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	}
}

// Handler exposes the routed mux wrapped in panic-recovery middleware,
// mainly for httptest-based handler tests that don't need a full listening
// server.
func (s *Server) Handler() http.Handler { return s.recoverMiddleware(s.mux) }

// ListenAndServe starts the HTTP server on addr and blocks until it exits.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.recoverMiddleware(s.mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control server listening", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON {error} response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.ErrorResponse{Error: msg})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
