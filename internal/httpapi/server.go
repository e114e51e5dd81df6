// Package httpapi exposes the gateway's session, send, and webhook
// operations over the stdlib net/http.ServeMux surface, grounded on
// a conventional Go HTTP server shape (mux + promhttp + a dedicated
// /healthz handler) but driven by the session.Registry and
// webhook.Engine services.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whatsgate/gateway/internal/session"
	"github.com/whatsgate/gateway/internal/webhook"
)

// Server wraps an http.Server exposing the gateway's HTTP surface.
type Server struct {
	registry *session.Registry
	webhook  *webhook.Engine
	logger   *slog.Logger

	httpServer   *http.Server
	httpListener net.Listener
}

// New constructs a Server. It does not start listening until Start is called.
func New(registry *session.Registry, engine *webhook.Engine, logger *slog.Logger) *Server {
	return &Server{registry: registry, webhook: engine, logger: logger}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("POST /sessions/{id}/init", s.handleInit)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetStatus)
	mux.HandleFunc("POST /sessions/{id}/restart", s.handleRestart)
	mux.HandleFunc("POST /sessions/{id}/logout", s.handleLogout)
	mux.HandleFunc("POST /sessions/{id}/send", s.handleSend)
	mux.HandleFunc("GET /sessions/{id}/contacts/{jid}", s.handleGetContact)
	mux.HandleFunc("POST /sessions/{id}/pairing-code", s.handlePairingCode)

	mux.HandleFunc("GET /webhooks/stats", s.handleWebhookStats)
	mux.HandleFunc("POST /webhooks/retry", s.handleWebhookRetry)

	return mux
}

// Start binds addr and serves until the process calls Shutdown.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpListener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httpapi: server error", "err", err)
		}
	}()

	s.logger.Info("httpapi: listening", "addr", addr)
	return nil
}

// Shutdown gracefully drains the HTTP server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("httpapi: shutdown error", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
