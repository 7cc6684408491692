// Copyright 2025 The Upkeep Authors
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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/upkeep-run/upkeep/internal/log"
	"github.com/upkeep-run/upkeep/internal/tracing"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// ScheduleStatusProvider provides schedule counts for health checks.
type ScheduleStatusProvider interface {
	ScheduleCount() int
	EnabledScheduleCount() int
}

// RunnerStatusProvider provides runner state for health checks.
type RunnerStatusProvider interface {
	ActiveRunCount() int
	QueueDepth() int
	IsDraining() bool
}

// Router wraps an http.ServeMux with the daemon's middleware chain.
type Router struct {
	mux              *http.ServeMux
	config           RouterConfig
	scheduleProvider ScheduleStatusProvider
	runnerProvider   RunnerStatusProvider
	logger           *slog.Logger
}

// NewRouter creates a new HTTP router with the core endpoints.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: log.New(log.FromEnv()),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)

	// Root endpoint for basic connectivity check
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// SetScheduleProvider sets the schedule status provider.
func (r *Router) SetScheduleProvider(provider ScheduleStatusProvider) {
	r.scheduleProvider = provider
}

// SetRunnerProvider sets the runner status provider.
func (r *Router) SetRunnerProvider(provider RunnerStatusProvider) {
	r.runnerProvider = provider
}

// SetMetricsHandler registers the Prometheus scrape endpoint.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	if handler != nil {
		r.mux.Handle("GET /metrics", handler)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Build middleware chain from innermost to outermost:
	// request logging runs closest to the mux, then correlation,
	// then the request span, then trace context extraction.

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		r.mux.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)

	handler.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "upkeepd",
		"version": r.config.Version,
	})
}
