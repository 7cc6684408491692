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

// Package runner owns the run lifecycle: submission, concurrency group
// admission, dispatch, execution, and persistence of terminal runs.
//
// The runner tracks only live runs (queued, pending, running). Once a
// run reaches a terminal status its record moves to the backend and its
// log to the log store; the API layer stitches the two views together.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/upkeep-run/upkeep/internal/daemon/backend"
	"github.com/upkeep-run/upkeep/internal/daemon/logstore"
	"github.com/upkeep-run/upkeep/internal/daemon/queue"
	"github.com/upkeep-run/upkeep/internal/log"
	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
	"github.com/upkeep-run/upkeep/pkg/job/expression"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	// RunStatusQueued means the run is admitted and waiting to start.
	RunStatusQueued RunStatus = "queued"
	// RunStatusPending means the run is parked behind its concurrency
	// group's active run.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning means steps are executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted means every step finished and none failed.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means a step failed or the run could not start.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled means the run was cancelled or timed out.
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusSuperseded means a newer submission replaced this run
	// while it was parked. Superseded runs never execute.
	RunStatusSuperseded RunStatus = "superseded"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusSuperseded:
		return true
	}
	return false
}

// ErrDraining is returned by Submit while the runner is shutting down.
var ErrDraining = errors.New("runner is draining, not accepting new runs")

// MetricsCollector records run and step level metrics. All methods must
// be safe for concurrent use; a nil collector disables metrics.
type MetricsCollector interface {
	RecordRunStart(ctx context.Context, runID, jobName string)
	RecordRunComplete(ctx context.Context, jobName, status, trigger string, duration time.Duration)
	RecordStepComplete(ctx context.Context, jobName, action, status string, duration time.Duration)
	RecordSupersession(ctx context.Context, group string)
	IncrementQueueDepth()
	DecrementQueueDepth()
	IncrementParked()
	DecrementParked()
}

// Run is the runner's mutable view of one execution. External callers
// only ever see RunSnapshot copies.
type Run struct {
	ID        string
	Job       string
	Trigger   job.TriggerSource
	Group     string
	Inputs    map[string]interface{}
	CreatedAt time.Time

	mu           sync.RWMutex
	status       RunStatus
	err          string
	result       *job.Result
	startedAt    *time.Time
	completedAt  *time.Time
	cancelReason string

	def        *job.Definition
	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	finishOnce sync.Once
	stopped    chan struct{}
	logs       *LogBuffer
}

// Status returns the current run status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// signalCancel closes the stop channel and cancels the run context.
// Idempotent; the first reason wins.
func (r *Run) signalCancel(reason string) {
	r.mu.Lock()
	if r.cancelReason == "" {
		r.cancelReason = reason
	}
	r.mu.Unlock()

	r.cancelOnce.Do(func() {
		close(r.stopped)
	})
	r.cancel()
}

// cancelCause returns the recorded cancellation reason, if any.
func (r *Run) cancelCause() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelReason
}

// RunSnapshot is an immutable copy of run state for external access.
type RunSnapshot struct {
	ID          string                 `json:"id"`
	Job         string                 `json:"job"`
	Status      RunStatus              `json:"status"`
	Trigger     string                 `json:"trigger,omitempty"`
	Group       string                 `json:"group,omitempty"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Steps       []*job.StepResult      `json:"steps,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ListFilter contains filtering options for listing live runs.
type ListFilter struct {
	Status RunStatus
	Job    string
	Limit  int
}

// SubmitRequest contains the parameters for submitting a run.
type SubmitRequest struct {
	// Definition is the parsed job definition. When nil, YAML is parsed
	// instead.
	Definition *job.Definition

	// YAML is the raw job definition, used when Definition is nil.
	YAML []byte

	// Inputs are the resolved dispatch inputs.
	Inputs map[string]interface{}

	// Trigger records what started the run. Defaults to dispatch.
	Trigger job.TriggerSource

	// Priority overrides the queue priority derived from the trigger.
	Priority int
}

// Config contains runner configuration.
type Config struct {
	// MaxConcurrentRuns bounds parallel run execution. Defaults to 10.
	MaxConcurrentRuns int

	// RunTimeout bounds a single run end to end. Zero means no limit.
	RunTimeout time.Duration

	// KeepTemp keeps per-run scratch directories for debugging.
	KeepTemp bool

	// RetentionMaxAge is how long terminal runs are kept. Zero disables
	// the retention loop.
	RetentionMaxAge time.Duration

	// RetentionInterval is how often the retention loop prunes. Defaults
	// to 1 hour when retention is enabled.
	RetentionInterval time.Duration

	// JobDefaults fills job-wide defaults for definitions submitted as
	// raw YAML. Definitions loaded by the watcher arrive already filled.
	JobDefaults job.Defaults
}

// groupState tracks the active and parked run of one concurrency group.
type groupState struct {
	active  *Run
	pending *Run
}

// Runner manages run execution.
type Runner struct {
	cfg     Config
	exec    *job.Executor
	backend backend.Backend
	logger  *slog.Logger

	// Optional collaborators.
	logStore *logstore.Store
	metrics  MetricsCollector
	tracer   trace.Tracer

	queue      *queue.MemoryQueue
	aggregator *LogAggregator
	semaphore  chan struct{}

	mu     sync.RWMutex
	runs   map[string]*Run
	groups map[string]*groupState

	draining atomic.Bool
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogStore sets the log store runs stream their output to.
func WithLogStore(s *logstore.Store) Option {
	return func(r *Runner) { r.logStore = s }
}

// WithTracer enables run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger.With(slog.String("component", "runner")) }
}

// New creates a Runner. The executor and backend are required.
func New(cfg Config, exec *job.Executor, be backend.Backend, opts ...Option) *Runner {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 10
	}
	if cfg.RetentionMaxAge > 0 && cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}

	r := &Runner{
		cfg:        cfg,
		exec:       exec,
		backend:    be,
		logger:     slog.Default().With(slog.String("component", "runner")),
		queue:      queue.NewMemoryQueue(),
		aggregator: NewLogAggregator(),
		semaphore:  make(chan struct{}, cfg.MaxConcurrentRuns),
		runs:       make(map[string]*Run),
		groups:     make(map[string]*groupState),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start launches the dispatch and retention loops. Idempotent.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.dispatchLoop()

	if r.cfg.RetentionMaxAge > 0 {
		r.wg.Add(1)
		go r.retentionLoop()
	}
}

// Stop drains the dispatch loop and waits for in-flight work to wind
// down. Callers that need a bounded shutdown should StartDraining and
// WaitForDrain first.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.queue.Close()
	r.wg.Wait()
}

// Submit submits a job for execution and returns an immutable snapshot
// of the created run.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*RunSnapshot, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}

	def := req.Definition
	if def == nil {
		if len(req.YAML) == 0 {
			return nil, &errors.ValidationError{
				Field:   "definition",
				Message: "no job definition provided",
			}
		}
		parsed, err := job.ParseDefinitionWithDefaults(req.YAML, r.cfg.JobDefaults)
		if err != nil {
			return nil, err
		}
		def = parsed
	} else if err := def.Validate(); err != nil {
		return nil, err
	}

	group, err := r.resolveGroup(def, req.Inputs)
	if err != nil {
		return nil, err
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = job.TriggerDispatch
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:        uuid.NewString(),
		Job:       def.Name,
		Trigger:   trigger,
		Group:     group,
		Inputs:    req.Inputs,
		CreatedAt: time.Now(),
		status:    RunStatusQueued,
		def:       def,
		ctx:       runCtx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
		logs:      NewLogBuffer(),
	}
	r.aggregator.Register(run.ID, run.logs)

	r.mu.Lock()
	r.runs[run.ID] = run
	decision := r.admitLocked(run)
	r.mu.Unlock()

	r.applyAdmission(ctx, run, decision, req.Priority)

	r.logger.Info("run submitted",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.JobKey, run.Job),
		slog.String("trigger", string(trigger)),
		slog.String("status", string(run.Status())),
		slog.String(log.GroupKey, group),
	)

	return r.snapshot(run), nil
}

// resolveGroup resolves the definition's concurrency group key against
// the run inputs.
func (r *Runner) resolveGroup(def *job.Definition, inputs map[string]interface{}) (string, error) {
	raw := def.ConcurrencyGroup()
	if raw == "" {
		return "", nil
	}

	evalCtx := map[string]interface{}{
		"inputs": inputs,
		"job":    map[string]interface{}{"name": def.Name},
	}
	if inputs == nil {
		evalCtx["inputs"] = map[string]interface{}{}
	}

	resolved, err := expression.Interpolate(raw, evalCtx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve concurrency group %q: %w", raw, err)
	}
	if !job.ValidGroupKey(resolved) {
		return "", &errors.ValidationError{
			Field:      "concurrency.group",
			Message:    fmt.Sprintf("resolved concurrency group is not a valid key: %q", resolved),
			Suggestion: "group keys may use letters, digits, dots, hyphens and underscores",
		}
	}
	return resolved, nil
}

// Get returns an immutable snapshot of a live run by ID.
func (r *Runner) Get(id string) (*RunSnapshot, error) {
	r.mu.RLock()
	run := r.runs[id]
	r.mu.RUnlock()
	if run == nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return r.snapshot(run), nil
}

// List returns immutable snapshots of live runs, newest first.
func (r *Runner) List(filter ListFilter) []*RunSnapshot {
	r.mu.RLock()
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.RUnlock()

	snapshots := make([]*RunSnapshot, 0, len(runs))
	for _, run := range runs {
		snap := r.snapshot(run)
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		if filter.Job != "" && snap.Job != filter.Job {
			continue
		}
		snapshots = append(snapshots, snap)
	}

	sortSnapshots(snapshots)

	if filter.Limit > 0 && len(snapshots) > filter.Limit {
		snapshots = snapshots[:filter.Limit]
	}
	return snapshots
}

// Cancel cancels a live run. Queued and parked runs finish immediately
// as cancelled; running runs wind down through the executor's cancel
// grace handling.
func (r *Runner) Cancel(id string) error {
	r.mu.RLock()
	run := r.runs[id]
	r.mu.RUnlock()
	if run == nil {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}

	r.cancelRun(run, "cancelled")
	return nil
}

// Subscribe returns the buffered log history of a live run plus a
// channel of subsequent entries. The returned function unsubscribes.
func (r *Runner) Subscribe(runID string) ([]LogEntry, <-chan LogEntry, func(), error) {
	return r.aggregator.Subscribe(runID)
}

// StartDraining puts the runner into draining mode: new submissions are
// rejected while live runs continue.
func (r *Runner) StartDraining() {
	r.draining.Store(true)
}

// IsDraining reports whether the runner is in draining mode.
func (r *Runner) IsDraining() bool {
	return r.draining.Load()
}

// ActiveRunCount returns the number of live runs.
func (r *Runner) ActiveRunCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// QueueDepth returns the number of admitted runs waiting for dispatch.
func (r *Runner) QueueDepth() int {
	return r.queue.Len()
}

// WaitForDrain waits until no live runs remain or the timeout expires.
func (r *Runner) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			if remaining := r.ActiveRunCount(); remaining > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still live", remaining)
			}
			return nil
		case <-ticker.C:
			if r.ActiveRunCount() == 0 {
				return nil
			}
		}
	}
}
