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

package runner

import (
	"sort"
	"time"

	"github.com/upkeep-run/upkeep/internal/daemon/backend"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// snapshot builds an immutable copy of the run's current state.
func (r *Runner) snapshot(run *Run) *RunSnapshot {
	run.mu.RLock()
	defer run.mu.RUnlock()

	snap := &RunSnapshot{
		ID:        run.ID,
		Job:       run.Job,
		Status:    run.status,
		Trigger:   string(run.Trigger),
		Group:     run.Group,
		Error:     run.err,
		CreatedAt: run.CreatedAt,
	}
	if len(run.Inputs) > 0 {
		snap.Inputs = make(map[string]interface{}, len(run.Inputs))
		for k, v := range run.Inputs {
			snap.Inputs[k] = v
		}
	}
	if run.result != nil {
		snap.Steps = append([]*job.StepResult(nil), run.result.Steps...)
	}
	if run.startedAt != nil {
		t := *run.startedAt
		snap.StartedAt = &t
	}
	if run.completedAt != nil {
		t := *run.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

// toBackendRun converts a run to its persistent record.
func (r *Runner) toBackendRun(run *Run) *backend.Run {
	run.mu.RLock()
	defer run.mu.RUnlock()

	rec := &backend.Run{
		ID:        run.ID,
		Job:       run.Job,
		Status:    string(run.status),
		Trigger:   string(run.Trigger),
		Group:     run.Group,
		Inputs:    run.Inputs,
		Error:     run.err,
		CreatedAt: run.CreatedAt,
	}
	if run.result != nil {
		rec.Steps = run.result.Steps
	}
	if run.startedAt != nil {
		t := *run.startedAt
		rec.StartedAt = &t
	}
	if run.completedAt != nil {
		t := *run.completedAt
		rec.CompletedAt = &t
	}
	return rec
}

// SnapshotFromRecord converts a persisted run record back into the
// snapshot shape so live and historical runs present uniformly.
func SnapshotFromRecord(rec *backend.Run) *RunSnapshot {
	return &RunSnapshot{
		ID:          rec.ID,
		Job:         rec.Job,
		Status:      RunStatus(rec.Status),
		Trigger:     rec.Trigger,
		Group:       rec.Group,
		Inputs:      rec.Inputs,
		Steps:       rec.Steps,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		CreatedAt:   rec.CreatedAt,
	}
}

// sortSnapshots orders snapshots newest first, matching backend list
// ordering.
func sortSnapshots(snapshots []*RunSnapshot) {
	sort.Slice(snapshots, func(i, j int) bool {
		if !snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
		}
		return snapshots[i].ID > snapshots[j].ID
	})
}

// Duration returns the elapsed run time: completed runs report their
// final duration, running runs the time since start.
func (s *RunSnapshot) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(*s.StartedAt)
	}
	return time.Since(*s.StartedAt)
}
