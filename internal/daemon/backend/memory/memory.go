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

// Package memory provides an in-memory backend implementation.
//
// Nothing survives a daemon restart; use the sqlite backend when run
// history matters.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upkeep-run/upkeep/internal/daemon/backend"
	"github.com/upkeep-run/upkeep/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore      = (*Backend)(nil)
	_ backend.ScheduleStore = (*Backend)(nil)
	_ backend.Backend       = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu        sync.RWMutex
	runs      map[string]*backend.Run
	schedules map[string]*backend.ScheduleState
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:      make(map[string]*backend.Run),
		schedules: make(map[string]*backend.ScheduleState),
	}
}

// SaveRun inserts or updates a run record.
func (b *Backend) SaveRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if existing, ok := b.runs[run.ID]; ok {
		run.CreatedAt = existing.CreatedAt
	} else if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	b.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run, nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Run
	for _, run := range b.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Job != "" && run.Job != filter.Job {
			continue
		}
		result = append(result, run)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// DeleteRunsBefore deletes runs that finished before cutoff.
func (b *Backend) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deleted := 0
	for id, run := range b.runs {
		ts := run.CreatedAt
		if run.CompletedAt != nil {
			ts = *run.CompletedAt
		}
		if ts.Before(cutoff) {
			delete(b.runs, id)
			deleted++
		}
	}
	return deleted, nil
}

// SaveScheduleState saves or updates a schedule state.
func (b *Backend) SaveScheduleState(ctx context.Context, state *backend.ScheduleState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state.UpdatedAt = time.Now()
	b.schedules[state.Name] = state
	return nil
}

// GetScheduleState retrieves a schedule state by name.
func (b *Backend) GetScheduleState(ctx context.Context, name string) (*backend.ScheduleState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state, ok := b.schedules[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule state", ID: name}
	}
	return state, nil
}

// ListScheduleStates returns all schedule states sorted by name.
func (b *Backend) ListScheduleStates(ctx context.Context) ([]*backend.ScheduleState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*backend.ScheduleState, 0, len(b.schedules))
	for _, state := range b.schedules {
		result = append(result, state)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// DeleteScheduleState deletes a schedule state.
func (b *Backend) DeleteScheduleState(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.schedules, name)
	return nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}
