// Copyright 2026 Cordon Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the admin HTTP surface: pending approval review and
// decisions, audit log queries, health, and Prometheus metrics. It is the
// human side of the approval loop — runs paused at the commit boundary resume
// once a reviewer decides here.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/audit"
	"github.com/cordonlabs/cordon/observability"
)

const shutdownGrace = 10 * time.Second

// Config holds the admin server settings.
type Config struct {
	Host        string
	Port        int
	MetricsPath string
}

// Server is the admin HTTP server.
type Server struct {
	cfg       Config
	approvals approval.Store
	audits    audit.Store
	metrics   *observability.Metrics
	http      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes the Prometheus registry on the configured metrics path.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the admin server around the approval and audit stores.
func New(cfg Config, approvals approval.Store, audits audit.Store, opts ...Option) (*Server, error) {
	if approvals == nil || audits == nil {
		return nil, fmt.Errorf("server requires approval and audit stores")
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = observability.DefaultMetricsPath
	}

	s := &Server{cfg: cfg, approvals: approvals, audits: audits}
	for _, opt := range opts {
		opt(s)
	}

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.routes(),
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)

	if s.metrics != nil && s.metrics.Registry() != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath,
			promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/pending", s.handlePendingApprovals)
			r.Post("/sweep", s.handleSweep)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetApproval)
				r.Post("/decision", s.handleDecision)
			})
		})
		r.Route("/audit", func(r chi.Router) {
			r.Get("/events", s.handleAuditEvents)
			r.Get("/stats", s.handleAuditStats)
		})
	})
	return r
}

// Handler returns the assembled HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until the context is cancelled, then drains with a grace
// period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return <-errCh
	}
}

// responseWriter captures status and size for the request log.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Info("http request",
			"method", r.Method,
			"path", routePattern(r),
			"status", wrapped.statusCode,
			"size", wrapped.size,
			"duration", time.Since(start),
		)
	})
}

// routePattern returns chi's matched pattern, falling back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
