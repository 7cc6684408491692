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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/upkeep-run/upkeep/internal/action"
	"github.com/upkeep-run/upkeep/internal/config"
	"github.com/upkeep-run/upkeep/internal/daemon/api"
	"github.com/upkeep-run/upkeep/internal/daemon/auth"
	"github.com/upkeep-run/upkeep/internal/daemon/backend"
	"github.com/upkeep-run/upkeep/internal/daemon/backend/memory"
	"github.com/upkeep-run/upkeep/internal/daemon/backend/sqlite"
	"github.com/upkeep-run/upkeep/internal/daemon/listener"
	"github.com/upkeep-run/upkeep/internal/daemon/logstore"
	"github.com/upkeep-run/upkeep/internal/daemon/runner"
	"github.com/upkeep-run/upkeep/internal/daemon/scheduler"
	"github.com/upkeep-run/upkeep/internal/daemon/watcher"
	internallog "github.com/upkeep-run/upkeep/internal/log"
	"github.com/upkeep-run/upkeep/internal/tracing"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// serverShutdownTimeout bounds the HTTP server shutdown that follows
// draining. By then only idle connections and log streams remain.
const serverShutdownTimeout = 10 * time.Second

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the upkeepd daemon.
type Daemon struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	server  *http.Server
	ln      net.Listener
	pidFile string

	runner    *runner.Runner
	backend   backend.Backend
	logs      *logstore.Store
	scheduler *scheduler.Scheduler
	watcher   *watcher.Watcher
	authMw    *auth.Middleware
	limiter   *auth.RateLimiter
	provider  *tracing.Provider

	mu      sync.Mutex
	started bool
}

// New creates a new daemon instance.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	base := internallog.New(internallog.FromEnv())
	logger := internallog.WithComponent(base, "daemon")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var be backend.Backend
	switch cfg.Backend.Type {
	case "sqlite":
		path := cfg.BackendPath()
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create backend directory: %w", err)
		}
		sqlBackend, err := sqlite.New(sqlite.Config{
			Path: path,
			WAL:  cfg.Backend.WAL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		be = sqlBackend
	default:
		be = memory.New()
	}

	logs := logstore.New(cfg.LogDir())

	// The provider is created regardless of cfg.Observability.Enabled:
	// metrics are always collected, the flag only gates span export.
	provider, err := tracing.NewProvider(context.Background(), tracing.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: opts.Version,
		Enabled:        cfg.Observability.Enabled,
		Endpoint:       cfg.Observability.Endpoint,
		Protocol:       cfg.Observability.Protocol,
		Insecure:       cfg.Observability.Insecure,
		SampleRate:     cfg.Observability.SampleRate,
	})
	if err != nil {
		logger.Warn("failed to initialize OpenTelemetry provider",
			internallog.Error(err))
		logger.Warn("metrics and tracing will not be available")
		provider = nil
	}

	registry, err := action.NewBuiltinRegistry(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load builtin actions: %w", err)
	}

	exec := job.NewExecutor(registry).
		WithLogger(internallog.WithComponent(base, "executor")).
		WithCancelGrace(cfg.CancelGrace)

	jobDefaults := job.Defaults{
		Timeout: int(cfg.DefaultStepTimeout / time.Second),
	}

	runnerOpts := []runner.Option{
		runner.WithLogger(base),
		runner.WithLogStore(logs),
	}
	if provider != nil {
		runnerOpts = append(runnerOpts,
			runner.WithMetrics(provider.Metrics()),
			runner.WithTracer(provider.Tracer("upkeepd/runner")),
		)
	}
	r := runner.New(runner.Config{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		RunTimeout:        cfg.RunTimeout,
		KeepTemp:          cfg.KeepTemp,
		RetentionMaxAge:   cfg.Retention.MaxAge,
		RetentionInterval: cfg.Retention.Interval,
		JobDefaults:       jobDefaults,
	}, exec, be, runnerOpts...)

	schedOpts := []scheduler.Option{scheduler.WithLogger(base)}
	if provider != nil {
		schedOpts = append(schedOpts, scheduler.WithMetrics(provider.Metrics()))
	}
	sched := scheduler.New(r, be, schedOpts...)

	if err := os.MkdirAll(cfg.JobsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create jobs directory: %w", err)
	}
	w, err := watcher.New(cfg.JobsDir, sched,
		watcher.WithLogger(base),
		watcher.WithJobDefaults(jobDefaults),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs watcher: %w", err)
	}

	authMw := auth.NewMiddleware(auth.Config{
		APIKeys:   cfg.Auth.APIKeys,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
	})

	var limiter *auth.RateLimiter
	if cfg.DispatchRate.RPS > 0 {
		limiter = auth.NewRateLimiter(auth.RateLimitConfig{
			RequestsPerSecond: cfg.DispatchRate.RPS,
			Burst:             cfg.DispatchRate.Burst,
		})
	}

	return &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		runner:    r,
		backend:   be,
		logs:      logs,
		scheduler: sched,
		watcher:   w,
		authMw:    authMw,
		limiter:   limiter,
		provider:  provider,
	}, nil
}

// Start starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.checkPermissionsAtStartup()

	if d.cfg.PIDFile != "" {
		if err := d.writePIDFile(); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		d.pidFile = d.cfg.PIDFile
	}

	// Load job definitions and restore persisted schedule state before
	// accepting traffic. Reload pushes the definition set to the
	// scheduler; LoadState must follow so the enable flags have
	// schedules to apply to.
	if err := d.watcher.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load job definitions: %w", err)
	}
	if err := d.scheduler.LoadState(ctx); err != nil {
		d.logger.Warn("failed to restore schedule state",
			internallog.Error(err))
	}

	ln, err := listener.New(d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	d.ln = ln

	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	})

	runsHandler := api.NewRunsHandler(d.runner, d.backend, d.logs)
	runsHandler.RegisterRoutes(router.Mux())

	jobsHandler := api.NewJobsHandler(d.watcher, d.runner, d.limiter)
	jobsHandler.RegisterRoutes(router.Mux())

	schedulesHandler := api.NewSchedulesHandler(d.scheduler)
	schedulesHandler.RegisterRoutes(router.Mux())

	router.SetScheduleProvider(d.scheduler)
	router.SetRunnerProvider(d.runner)
	if d.provider != nil {
		router.SetMetricsHandler(d.provider.MetricsHandler())
	}

	d.runner.Start()
	d.scheduler.Start(ctx)
	d.watcher.Start(ctx)

	var handler http.Handler = router
	if d.authMw != nil {
		handler = d.authMw.Wrap(handler)
	}

	// WriteTimeout stays zero: followed log streams hold responses
	// open for as long as the run executes.
	d.server = &http.Server{
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	d.logger.Info("upkeepd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.Int("jobs", d.watcher.JobCount()),
		slog.Int("schedules", d.scheduler.ScheduleCount()),
		slog.Bool("auth", d.authMw.Enabled()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the daemon.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	activeCount := d.runner.ActiveRunCount()
	d.logger.Info("graceful shutdown initiated",
		slog.Int("active_runs", activeCount))

	// Stop accepting new runs, then new connections.
	d.runner.StartDraining()
	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, d.cfg.DrainTimeout)
	defer drainCancel()

	if err := d.runner.WaitForDrain(drainCtx, d.cfg.DrainTimeout); err != nil {
		d.logger.Warn("drain timeout exceeded",
			slog.Int("remaining_runs", d.runner.ActiveRunCount()),
			slog.Duration("drain_timeout", d.cfg.DrainTimeout))
	} else {
		d.logger.Info("all runs completed during drain")
	}

	d.watcher.Stop()
	d.scheduler.Stop()
	d.runner.Stop()

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error",
				internallog.Error(err))
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file",
				internallog.Error(err),
				slog.String("path", d.pidFile))
		}
	}

	if d.cfg.Listen.SocketPath != "" {
		if err := os.Remove(d.cfg.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file",
				internallog.Error(err),
				slog.String("path", d.cfg.Listen.SocketPath))
		}
	}

	if d.provider != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.provider.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("OpenTelemetry provider shutdown error",
				internallog.Error(err))
		}
	}

	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			d.logger.Error("failed to close backend",
				internallog.Error(err))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// checkPermissionsAtStartup warns about state paths other users can
// modify. A writable jobs directory lets any local user inject job
// definitions.
func (d *Daemon) checkPermissionsAtStartup() {
	paths := []string{}
	if d.cfg.DataDir != "" {
		paths = append(paths, d.cfg.DataDir)
	}
	if d.cfg.PIDFile != "" {
		paths = append(paths, filepath.Dir(d.cfg.PIDFile))
	}
	if d.cfg.JobsDir != "" {
		paths = append(paths, d.cfg.JobsDir)
	}
	for _, path := range paths {
		for _, warning := range checkWorldWritable(path) {
			d.logger.Warn("permission warning",
				slog.String("warning", warning))
		}
	}
}

// checkWorldWritable reports whether path is modifiable by other users.
func checkWorldWritable(path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []string{fmt.Sprintf("unable to check permissions for %s: %v", path, err)}
	}
	perm := info.Mode().Perm()
	if perm&0002 != 0 {
		return []string{fmt.Sprintf("%s is world-writable (permissions: %o), recommend chmod 0755 or tighter", path, perm)}
	}
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	dir := filepath.Dir(d.cfg.PIDFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600)
}
