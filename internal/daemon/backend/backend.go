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

// Package backend provides storage backends for run history.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal
// implementations:
//
//   - RunStore (core, required): SaveRun, GetRun, ListRuns, DeleteRunsBefore
//   - ScheduleStore (required for the scheduler): schedule state persistence
//   - io.Closer: lifecycle management
//
// The Backend interface composes all of these. Both shipped backends
// (memory, sqlite) implement the full interface; components that only
// need run history can accept RunStore.
//
// Backends store terminal runs only. Live run state is owned by the
// runner and snapshotted into storage once a run reaches a terminal
// status.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/upkeep-run/upkeep/pkg/job"
)

// RunStore is the core interface for run history storage.
type RunStore interface {
	// SaveRun inserts or updates a run record. The record's CreatedAt
	// and UpdatedAt are maintained by the store.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID. Returns *errors.NotFoundError if no
	// run with that ID exists.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns lists runs with optional filtering, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// DeleteRunsBefore deletes runs that finished before cutoff and
	// returns the number of runs removed. Runs that never started (for
	// example superseded runs) age by their creation time.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ScheduleStore persists per-schedule state so run counters and the
// enabled flag survive daemon restarts.
type ScheduleStore interface {
	// SaveScheduleState saves or updates a schedule state.
	SaveScheduleState(ctx context.Context, state *ScheduleState) error

	// GetScheduleState retrieves a schedule state by name. Returns
	// *errors.NotFoundError if the schedule has no persisted state.
	GetScheduleState(ctx context.Context, name string) (*ScheduleState, error)

	// ListScheduleStates returns all persisted schedule states.
	ListScheduleStates(ctx context.Context) ([]*ScheduleState, error)

	// DeleteScheduleState deletes a schedule state. Deleting a missing
	// state is not an error.
	DeleteScheduleState(ctx context.Context, name string) error
}

// Backend is the full storage interface the daemon wires up.
type Backend interface {
	RunStore
	ScheduleStore
	io.Closer
}

// Run is a terminal run record in storage.
type Run struct {
	ID      string                 `json:"id"`
	Job     string                 `json:"job"`
	Status  string                 `json:"status"`
	Trigger string                 `json:"trigger,omitempty"`
	Group   string                 `json:"group,omitempty"`
	Inputs  map[string]interface{} `json:"inputs,omitempty"`

	// Steps holds the per-step results in execution order. Superseded
	// runs never execute and carry no steps.
	Steps []*job.StepResult `json:"steps,omitempty"`

	// Error is the failure message for failed runs.
	Error string `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	Status string
	Job    string
	Limit  int
}

// ScheduleState is the persistent state of a schedule.
type ScheduleState struct {
	Name       string     `json:"name"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	Enabled    bool       `json:"enabled"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
