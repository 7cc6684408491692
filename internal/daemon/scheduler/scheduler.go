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

// Package scheduler fires cron-triggered jobs through the runner.
//
// Schedules are not configured separately: they derive from the
// `on.schedule` triggers of the loaded job definitions and are synced
// whenever the definitions reload. Counters and the enabled flag
// persist through the schedule store so they survive restarts.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/upkeep-run/upkeep/internal/daemon/backend"
	"github.com/upkeep-run/upkeep/internal/daemon/runner"
	"github.com/upkeep-run/upkeep/internal/log"
	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
	"github.com/upkeep-run/upkeep/pkg/job/cron"
)

// Submitter is the slice of the runner the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, req runner.SubmitRequest) (*runner.RunSnapshot, error)
	IsDraining() bool
}

// MetricsCollector counts schedule firings. A nil collector disables
// metrics.
type MetricsCollector interface {
	RecordScheduleTrigger(ctx context.Context, schedule string)
}

// Schedule is one cron trigger of a job definition.
type Schedule struct {
	Name     string
	Job      string
	Cron     string
	Timezone string
	Inputs   map[string]interface{}
	Enabled  bool

	// fileEnabled remembers what the definition last said, so a reload
	// only overrides a runtime toggle when the file actually changed.
	fileEnabled bool

	def        *job.Definition
	expr       *cron.Expr
	loc        *time.Location
	nextRun    time.Time
	lastRun    *time.Time
	runCount   int64
	errorCount int64
}

// ScheduleStatus is the immutable view of a schedule for the API.
type ScheduleStatus struct {
	Name       string     `json:"name"`
	Job        string     `json:"job"`
	Cron       string     `json:"cron"`
	Timezone   string     `json:"timezone,omitempty"`
	Enabled    bool       `json:"enabled"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
}

// Scheduler manages cron-triggered job submission.
type Scheduler struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	runner    Submitter
	store     backend.ScheduleStore
	metrics   MetricsCollector
	logger    *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.With(slog.String("component", "scheduler")) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler. The store may be nil, in which case counters
// only live in memory.
func New(r Submitter, store backend.ScheduleStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedules: make(map[string]*Schedule),
		runner:    r,
		store:     store,
		logger:    slog.Default().With(slog.String("component", "scheduler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// scheduleName derives a stable schedule identifier. The first cron of
// a job keeps the job's name so single-schedule jobs read naturally.
func scheduleName(jobName string, idx int) string {
	if idx == 0 {
		return jobName
	}
	return fmt.Sprintf("%s#%d", jobName, idx)
}

// SyncJobs replaces the schedule set with the schedules derived from
// the given definitions. Unchanged schedules keep their counters and
// next fire time; schedules whose job disappeared are removed along
// with their persisted state.
func (s *Scheduler) SyncJobs(ctx context.Context, defs []*job.Definition) {
	now := time.Now()
	seen := make(map[string]bool)
	var removed []string

	s.mu.Lock()
	for _, def := range defs {
		for i := range def.On.Schedule {
			st := &def.On.Schedule[i]
			name := scheduleName(def.Name, i)

			expr, err := cron.Parse(st.Cron)
			if err != nil {
				s.logger.Error("invalid cron expression",
					slog.String("schedule", name),
					slog.String("cron", st.Cron),
					slog.String("error", err.Error()),
				)
				continue
			}
			loc, err := st.Location()
			if err != nil {
				s.logger.Error("invalid schedule timezone",
					slog.String("schedule", name),
					slog.String("timezone", st.Timezone),
					slog.String("error", err.Error()),
				)
				continue
			}

			seen[name] = true
			if existing, ok := s.schedules[name]; ok {
				s.updateLocked(existing, def, st, expr, loc, now)
				continue
			}

			next := expr.Next(now.In(loc))
			if next.IsZero() {
				s.logger.Warn("cron expression never fires",
					slog.String("schedule", name),
					slog.String("cron", st.Cron),
				)
			}
			s.schedules[name] = &Schedule{
				Name:        name,
				Job:         def.Name,
				Cron:        st.Cron,
				Timezone:    st.Timezone,
				Inputs:      st.Inputs,
				Enabled:     st.IsEnabled(),
				fileEnabled: st.IsEnabled(),
				def:         def,
				expr:        expr,
				loc:         loc,
				nextRun:     next,
			}
			s.logger.Info("schedule registered",
				slog.String("schedule", name),
				slog.String("job", def.Name),
				slog.String("cron", st.Cron),
				slog.Time("next_run", next),
			)
		}
	}

	for name := range s.schedules {
		if !seen[name] {
			delete(s.schedules, name)
			removed = append(removed, name)
		}
	}
	s.mu.Unlock()

	for _, name := range removed {
		s.logger.Info("schedule removed", slog.String("schedule", name))
		if s.store != nil {
			if err := s.store.DeleteScheduleState(ctx, name); err != nil {
				s.logger.Warn("failed to delete schedule state",
					slog.String("schedule", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// updateLocked refreshes an existing schedule from its definition.
// Counters always survive; the fire time only resets when the cron or
// timezone changed.
func (s *Scheduler) updateLocked(sched *Schedule, def *job.Definition, st *job.ScheduleTrigger, expr *cron.Expr, loc *time.Location, now time.Time) {
	changed := sched.Cron != st.Cron || sched.Timezone != st.Timezone

	sched.Job = def.Name
	sched.Cron = st.Cron
	sched.Timezone = st.Timezone
	sched.Inputs = st.Inputs
	sched.def = def
	sched.expr = expr
	sched.loc = loc

	if st.IsEnabled() != sched.fileEnabled {
		sched.Enabled = st.IsEnabled()
		sched.fileEnabled = st.IsEnabled()
	}
	if changed {
		sched.nextRun = expr.Next(now.In(loc))
		s.logger.Info("schedule updated",
			slog.String("schedule", sched.Name),
			slog.String("cron", st.Cron),
			slog.Time("next_run", sched.nextRun),
		)
	}
}

// LoadState restores persisted counters and enablement. Call after the
// first SyncJobs and before Start.
func (s *Scheduler) LoadState(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	states, err := s.store.ListScheduleStates(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load schedule state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range states {
		sched, ok := s.schedules[state.Name]
		if !ok {
			continue
		}
		sched.lastRun = state.LastRun
		sched.runCount = state.RunCount
		sched.errorCount = state.ErrorCount
		sched.Enabled = state.Enabled
	}
	return nil
}

// SetEnabled enables or disables a schedule at runtime and persists the
// choice.
func (s *Scheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	sched, ok := s.schedules[name]
	if !ok {
		s.mu.Unlock()
		return &errors.NotFoundError{Resource: "schedule", ID: name}
	}
	sched.Enabled = enabled
	s.mu.Unlock()

	s.logger.Info("schedule toggled",
		slog.String("schedule", name),
		slog.Bool("enabled", enabled),
	)
	s.persistState(ctx, sched)
	return nil
}

// Status returns the status of one schedule.
func (s *Scheduler) Status(name string) (*ScheduleStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: name}
	}
	status := sched.statusLocked()
	return &status, nil
}

// GetStatus returns the status of all schedules, sorted by name.
func (s *Scheduler) GetStatus() []ScheduleStatus {
	s.mu.RLock()
	result := make([]ScheduleStatus, 0, len(s.schedules))
	for _, sched := range s.schedules {
		result = append(result, sched.statusLocked())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (sched *Schedule) statusLocked() ScheduleStatus {
	return ScheduleStatus{
		Name:       sched.Name,
		Job:        sched.Job,
		Cron:       sched.Cron,
		Timezone:   sched.Timezone,
		Enabled:    sched.Enabled,
		NextRun:    sched.nextRun,
		LastRun:    sched.lastRun,
		RunCount:   sched.runCount,
		ErrorCount: sched.errorCount,
	}
}

// ScheduleCount returns the total number of schedules.
func (s *Scheduler) ScheduleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.schedules)
}

// EnabledScheduleCount returns the number of enabled schedules.
func (s *Scheduler) EnabledScheduleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sched := range s.schedules {
		if sched.Enabled {
			count++
		}
	}
	return count
}

// Start starts the scheduler loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires the schedules that are due. Missed fire times collapse
// into a single run: the next fire is computed from now, not from the
// missed slot.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	var due []*Schedule

	s.mu.Lock()
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.nextRun.IsZero() {
			continue
		}
		if now.Before(sched.nextRun) {
			continue
		}
		t := now
		sched.lastRun = &t
		sched.runCount++
		sched.nextRun = sched.expr.Next(now.In(sched.loc))
		due = append(due, sched)
	}
	s.mu.Unlock()

	for _, sched := range due {
		if s.metrics != nil {
			s.metrics.RecordScheduleTrigger(ctx, sched.Name)
		}
		go s.fire(ctx, sched)
	}
}

// fire submits one due schedule through the runner.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule) {
	logger := s.logger.With(
		slog.String(log.ScheduleKey, sched.Name),
		slog.String(log.JobKey, sched.Job),
	)

	if s.runner.IsDraining() {
		logger.Info("skipping scheduled run during shutdown")
		return
	}

	s.mu.RLock()
	def := sched.def
	inputs := sched.Inputs
	s.mu.RUnlock()

	// Scheduled runs see the same input defaults as manual dispatches.
	if def.On.Dispatch != nil {
		resolved, err := def.On.Dispatch.ResolveInputs(inputs)
		if err != nil {
			logger.Error("schedule inputs rejected", slog.String("error", err.Error()))
			s.recordError(ctx, sched)
			return
		}
		inputs = resolved
	}

	snap, err := s.runner.Submit(ctx, runner.SubmitRequest{
		Definition: def,
		Inputs:     inputs,
		Trigger:    job.TriggerSchedule,
	})
	if err != nil {
		if errors.Is(err, runner.ErrDraining) {
			logger.Info("skipping scheduled run during shutdown")
			return
		}
		logger.Error("failed to submit scheduled run", slog.String("error", err.Error()))
		s.recordError(ctx, sched)
		return
	}

	logger.Info("scheduled run submitted", slog.String(log.RunIDKey, snap.ID))
	s.persistState(ctx, sched)
}

func (s *Scheduler) recordError(ctx context.Context, sched *Schedule) {
	s.mu.Lock()
	sched.errorCount++
	s.mu.Unlock()
	s.persistState(ctx, sched)
}

// persistState writes one schedule's counters to the store.
func (s *Scheduler) persistState(ctx context.Context, sched *Schedule) {
	if s.store == nil {
		return
	}

	s.mu.RLock()
	state := &backend.ScheduleState{
		Name:       sched.Name,
		LastRun:    sched.lastRun,
		RunCount:   sched.runCount,
		ErrorCount: sched.errorCount,
		Enabled:    sched.Enabled,
	}
	s.mu.RUnlock()

	if err := s.store.SaveScheduleState(ctx, state); err != nil {
		s.logger.Warn("failed to persist schedule state",
			slog.String("schedule", sched.Name),
			slog.String("error", err.Error()),
		)
	}
}
