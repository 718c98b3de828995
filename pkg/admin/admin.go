// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package admin serves the operational HTTP surface: metrics exposition,
// health probes, and process termination.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/absmach/mrouter/pkg/health"
	"github.com/absmach/mrouter/pkg/metrics"
)

// Config holds admin server configuration.
type Config struct {
	// Address is the admin listen address (host:port).
	Address string

	// Snapshotter supplies the /metrics body.
	Snapshotter *metrics.Snapshotter

	// Health backs /health, /live and /ready.
	Health *health.Checker

	// Shutdown initiates graceful drain. Called at most once.
	Shutdown func()

	// Abort terminates the process immediately. Defaults to os.Exit.
	Abort func(code int)

	// Logger for admin events.
	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	config       Config
	shutdownOnce sync.Once
}

// New creates an admin server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Abort == nil {
		cfg.Abort = os.Exit
	}
	return &Server{config: cfg}
}

// Handler returns the admin route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("POST /abort", s.handleAbort)
	if s.config.Health != nil {
		mux.HandleFunc("GET /health", s.config.Health.Handler())
		mux.HandleFunc("GET /live", health.LivenessHandler())
		mux.HandleFunc("GET /ready", s.config.Health.ReadinessHandler())
	}
	return mux
}

// Run serves the admin endpoints until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.config.Logger.Info("admin server started", slog.String("address", s.config.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write(s.config.Snapshotter.Latest())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.config.Logger.Info("shutdown requested", slog.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("draining\n"))
	s.shutdownOnce.Do(func() {
		go s.config.Shutdown()
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.config.Logger.Error("abort requested", slog.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("aborting\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	s.config.Abort(1)
}
