// Package api serves the admin HTTP endpoints: /health, /ready, and
// /metrics. The MCP surface lives on its own transport; this listener
// exists for probes and Prometheus scrapes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/metrics"
)

// Server is the admin HTTP listener
type Server struct {
	addr   string
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NewServer wires the admin endpoints
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())

	return &Server{
		addr:   addr,
		mux:    mux,
		logger: log.WithComponent("api"),
	}
}

// Start begins serving. It returns once the listener stops; run it on
// its own goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("admin http server starting")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for embedding in tests
func (s *Server) Handler() http.Handler {
	return s.mux
}
