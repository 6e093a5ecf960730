// Package server exposes the relay over HTTP: REST endpoints for session
// lifecycle, WebSocket ingest for containers, WebSocket subscribe for
// browsers, and a Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/freitascorp/agentrelay/pkg/config"
	"github.com/freitascorp/agentrelay/pkg/metrics"
	"github.com/freitascorp/agentrelay/pkg/relay"
	"github.com/freitascorp/agentrelay/pkg/session"
)

// Server wires the relay registry, the session store, and the HTTP surface
// together.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *relay.Registry
	store    session.Store
	rec      relay.Recorder

	httpSrv *http.Server
}

// New builds a Server. store may be nil for a relay with no persistence;
// rec must then be nil too.
func New(cfg *config.Config, registry *relay.Registry, store session.Store, rec relay.Recorder, logger *slog.Logger) *Server {
	if rec == nil {
		rec = relay.NopRecorder{}
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    store,
		rec:      rec,
	}
}

// buildMux creates the HTTP mux with all relay routes.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /relay/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleListMessages)

	mux.HandleFunc("GET /v1/sessions/{id}/container", s.handleContainerSocket)
	mux.HandleFunc("GET /v1/sessions/{id}/browser", s.handleBrowserSocket)

	return mux
}

// Start runs the HTTP server until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.buildMux(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("relay server starting", "addr", s.cfg.Addr())

	go s.startupWatchdog(ctx)

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down: in-flight HTTP requests drain,
// every live relay is torn down, sockets close cleanly.
func (s *Server) Stop(ctx context.Context) error {
	for _, id := range s.registry.Sessions() {
		s.registry.Remove(id)
	}
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler returns the route mux. Test helper for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.buildMux()
}

// handleHealth responds to health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.Sessions()
	browsers := 0
	for _, id := range sessions {
		if r := s.registry.Get(id); r != nil {
			browsers += r.BrowserCount()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_sessions":    len(sessions),
		"connected_browsers": browsers,
		"timestamp":          time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
