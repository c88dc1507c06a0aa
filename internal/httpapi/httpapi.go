// Package httpapi is the thin read-only status surface over the core:
// GET /snapshot for the aggregator's current view and GET /metrics for
// Prometheus. It exposes no mutating endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/svdrecbd/lattice/internal/aggregator"
)

// SnapshotSource is anything that can produce the aggregator's snapshot;
// an interface here keeps the server independent of the aggregator's
// internal locking.
type SnapshotSource interface {
	Snapshot(ctx context.Context) *aggregator.Snapshot
}

// Server is the HTTP status surface: GET /snapshot and GET /metrics.
type Server struct {
	source     SnapshotSource
	httpServer *http.Server
	logger     *slog.Logger
	shutdownCh chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithListenAddr sets the HTTP listen address (default ":8090").
func WithListenAddr(addr string) Option {
	return func(s *Server) { s.httpServer.Addr = addr }
}

// New constructs a Server reading snapshots from source.
func New(source SnapshotSource, opts ...Option) *Server {
	s := &Server{
		source:     source,
		logger:     slog.Default(),
		shutdownCh: make(chan struct{}),
		httpServer: &http.Server{Addr: ":8090"},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer.Handler = mux

	return s
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.source.Snapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
	}
}

// Run starts the HTTP server and blocks until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("snapshot server starting", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("could not listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown stops the server, allowing in-flight requests up to 5s to finish.
func (s *Server) Shutdown() error {
	close(s.shutdownCh)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
