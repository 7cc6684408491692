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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upkeep-run/upkeep/internal/daemon/backend"
	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "upkeep.db")})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSaveRun_RoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	started := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	completed := started.Add(42 * time.Minute)

	run := &backend.Run{
		ID:      "run-1",
		Job:     "codebrowser",
		Status:  "completed",
		Trigger: "schedule",
		Group:   "woboq",
		Inputs:  map[string]interface{}{"ref": "refs/heads/master"},
		Steps: []*job.StepResult{
			{ID: "checkout", Status: job.StepStatusSuccess, ExitCode: 0},
			{ID: "cleanup", Status: job.StepStatusSuccess, Outputs: map[string]interface{}{"killed": 2}},
		},
		StartedAt:   &started,
		CompletedAt: &completed,
	}
	require.NoError(t, b.SaveRun(ctx, run))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "codebrowser", got.Job)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "schedule", got.Trigger)
	assert.Equal(t, "woboq", got.Group)
	assert.Equal(t, "refs/heads/master", got.Inputs["ref"])
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "cleanup", got.Steps[1].ID)
	assert.EqualValues(t, 2, got.Steps[1].Outputs["killed"])
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSaveRun_UpsertPreservesCreatedAt(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	first := &backend.Run{ID: "run-1", Job: "codebrowser", Status: "running", CreatedAt: created}
	require.NoError(t, b.SaveRun(ctx, first))

	second := &backend.Run{ID: "run-1", Job: "codebrowser", Status: "completed"}
	require.NoError(t, b.SaveRun(ctx, second))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestSaveRun_EmptyOptionalFields(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	run := &backend.Run{ID: "run-1", Job: "codebrowser", Status: "superseded"}
	require.NoError(t, b.SaveRun(ctx, run))

	got, err := b.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, got.Trigger)
	assert.Empty(t, got.Group)
	assert.Nil(t, got.Inputs)
	assert.Nil(t, got.Steps)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	b := newBackend(t)

	_, err := b.GetRun(context.Background(), "ghost")
	require.Error(t, err)

	var nf *errors.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "run", nf.Resource)
}

func TestListRuns_FiltersAndOrder(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed := []*backend.Run{
		{ID: "run-1", Job: "codebrowser", Status: "completed", CreatedAt: base},
		{ID: "run-2", Job: "codebrowser", Status: "failed", CreatedAt: base.Add(time.Minute)},
		{ID: "run-3", Job: "nightly-docs", Status: "completed", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "run-4", Job: "codebrowser", Status: "superseded", CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, r := range seed {
		require.NoError(t, b.SaveRun(ctx, r))
	}

	t.Run("all newest first", func(t *testing.T) {
		runs, err := b.ListRuns(ctx, backend.RunFilter{})
		require.NoError(t, err)
		require.Len(t, runs, 4)
		assert.Equal(t, "run-4", runs[0].ID)
		assert.Equal(t, "run-1", runs[3].ID)
	})

	t.Run("by status", func(t *testing.T) {
		runs, err := b.ListRuns(ctx, backend.RunFilter{Status: "completed"})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-3", runs[0].ID)
	})

	t.Run("by job", func(t *testing.T) {
		runs, err := b.ListRuns(ctx, backend.RunFilter{Job: "codebrowser"})
		require.NoError(t, err)
		assert.Len(t, runs, 3)
	})

	t.Run("limit", func(t *testing.T) {
		runs, err := b.ListRuns(ctx, backend.RunFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-4", runs[0].ID)
	})
}

func TestDeleteRunsBefore(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	require.NoError(t, b.SaveRun(ctx, &backend.Run{
		ID: "run-old", Job: "codebrowser", Status: "completed",
		CreatedAt: old, CompletedAt: &old,
	}))
	require.NoError(t, b.SaveRun(ctx, &backend.Run{
		ID: "run-parked", Job: "codebrowser", Status: "superseded",
		CreatedAt: old,
	}))
	require.NoError(t, b.SaveRun(ctx, &backend.Run{
		ID: "run-recent", Job: "codebrowser", Status: "completed",
		CreatedAt: recent, CompletedAt: &recent,
	}))

	deleted, err := b.DeleteRunsBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	runs, err := b.ListRuns(ctx, backend.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-recent", runs[0].ID)
}

func TestScheduleState_RoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	lastRun := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	state := &backend.ScheduleState{
		Name:       "codebrowser",
		LastRun:    &lastRun,
		RunCount:   12,
		ErrorCount: 1,
		Enabled:    true,
	}
	require.NoError(t, b.SaveScheduleState(ctx, state))
	assert.False(t, state.UpdatedAt.IsZero())

	got, err := b.GetScheduleState(ctx, "codebrowser")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.RunCount)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.LastRun)
	assert.True(t, got.LastRun.Equal(lastRun))
}

func TestScheduleState_UpsertUpdatesCounters(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveScheduleState(ctx, &backend.ScheduleState{Name: "codebrowser", RunCount: 1, Enabled: true}))
	require.NoError(t, b.SaveScheduleState(ctx, &backend.ScheduleState{Name: "codebrowser", RunCount: 2, Enabled: false}))

	got, err := b.GetScheduleState(ctx, "codebrowser")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RunCount)
	assert.False(t, got.Enabled)

	states, err := b.ListScheduleStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestScheduleState_NotFound(t *testing.T) {
	b := newBackend(t)

	_, err := b.GetScheduleState(context.Background(), "ghost")
	require.Error(t, err)

	var nf *errors.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "schedule state", nf.Resource)
}

func TestScheduleState_DeleteIdempotent(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveScheduleState(ctx, &backend.ScheduleState{Name: "codebrowser"}))
	require.NoError(t, b.DeleteScheduleState(ctx, "codebrowser"))
	require.NoError(t, b.DeleteScheduleState(ctx, "codebrowser"))
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upkeep.db")
	ctx := context.Background()

	b, err := New(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, b.SaveRun(ctx, &backend.Run{ID: "run-1", Job: "codebrowser", Status: "completed"}))
	require.NoError(t, b.SaveScheduleState(ctx, &backend.ScheduleState{Name: "codebrowser", RunCount: 3, Enabled: true}))
	require.NoError(t, b.Close())

	// Reopening runs the migrations again; they must be no-ops.
	b2, err := New(Config{Path: path})
	require.NoError(t, err)
	defer b2.Close()

	run, err := b2.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)

	state, err := b2.GetScheduleState(ctx, "codebrowser")
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.RunCount)
}

func TestWALMode(t *testing.T) {
	b, err := New(Config{
		Path: filepath.Join(t.TempDir(), "upkeep.db"),
		WAL:  true,
	})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.SaveRun(ctx, &backend.Run{ID: "run-1", Job: "codebrowser", Status: "completed"}))

	_, err = b.GetRun(ctx, "run-1")
	assert.NoError(t, err)
}
