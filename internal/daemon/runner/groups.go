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
	"context"
	"fmt"

	"log/slog"

	"github.com/upkeep-run/upkeep/internal/daemon/queue"
	"github.com/upkeep-run/upkeep/internal/log"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// Concurrency groups serialize runs that share a group key. A group
// holds at most one active run (queued or running) and at most one
// parked run. A newer submission replaces the parked run, which
// finishes as superseded without ever executing.

// admissionResult describes what Submit must do after admitting a run
// under the runner lock.
type admissionResult struct {
	parked     bool
	superseded *Run
	cancel     *Run
}

// admitLocked places the run in its concurrency group. Called with
// r.mu held.
func (r *Runner) admitLocked(run *Run) admissionResult {
	if run.Group == "" {
		return admissionResult{}
	}

	gs := r.groups[run.Group]
	if gs == nil {
		r.groups[run.Group] = &groupState{active: run}
		return admissionResult{}
	}
	if gs.active == nil {
		gs.active = run
		return admissionResult{}
	}

	res := admissionResult{parked: true, superseded: gs.pending}
	gs.pending = run
	run.mu.Lock()
	run.status = RunStatusPending
	run.mu.Unlock()

	if run.def.CancelInProgress() {
		res.cancel = gs.active
	}
	return res
}

// applyAdmission carries out the side effects of an admission decision
// outside the runner lock: superseding the old parked run, cancelling
// the group's active run, and enqueueing or parking the new one.
func (r *Runner) applyAdmission(ctx context.Context, run *Run, res admissionResult, priority int) {
	if res.superseded != nil {
		if r.metrics != nil {
			r.metrics.RecordSupersession(ctx, run.Group)
		}
		r.logger.Info("run superseded",
			slog.String(log.RunIDKey, res.superseded.ID),
			slog.String(log.GroupKey, run.Group),
			slog.String("superseded_by", run.ID),
		)
		r.finish(res.superseded, RunStatusSuperseded, nil, fmt.Sprintf("superseded by run %s", run.ID))
	}

	if res.cancel != nil {
		r.logger.Info("cancelling active run in group",
			slog.String(log.RunIDKey, res.cancel.ID),
			slog.String(log.GroupKey, run.Group),
		)
		r.cancelRun(res.cancel, fmt.Sprintf("cancelled in favor of run %s", run.ID))
	}

	if res.parked {
		if r.metrics != nil {
			r.metrics.IncrementParked()
		}
		return
	}

	r.enqueueRun(run, priority)
}

// enqueueRun hands an admitted run to the dispatch queue.
func (r *Runner) enqueueRun(run *Run, priority int) {
	if priority == 0 && run.Trigger == job.TriggerDispatch {
		priority = queue.PriorityDispatch
	}

	if r.metrics != nil {
		r.metrics.IncrementQueueDepth()
	}

	item := &queue.Item{
		RunID:      run.ID,
		JobName:    run.Job,
		Priority:   priority,
		EnqueuedAt: run.CreatedAt,
	}
	if err := r.queue.Enqueue(context.Background(), item); err != nil {
		r.finish(run, RunStatusFailed, nil, "dispatch queue closed")
	}
}

// releaseGroupLocked removes a finished run from its concurrency group
// and promotes the parked run, if any. Returns the promoted run, which
// the caller must enqueue after releasing r.mu. Called with r.mu held.
func (r *Runner) releaseGroupLocked(run *Run) *Run {
	if run.Group == "" {
		return nil
	}
	gs := r.groups[run.Group]
	if gs == nil {
		return nil
	}

	var promoted *Run
	if gs.active == run {
		gs.active = nil
		if gs.pending != nil && !gs.pending.Status().Terminal() {
			promoted = gs.pending
			gs.active = promoted
		}
		gs.pending = nil
	} else if gs.pending == run {
		gs.pending = nil
	}

	if gs.active == nil && gs.pending == nil {
		delete(r.groups, run.Group)
	}
	return promoted
}

// promote moves a parked run into the dispatch queue after its group's
// active run finished.
func (r *Runner) promote(run *Run) {
	// The run may have been cancelled between the promotion decision and
	// here; leave it to its own finish in that case.
	if !run.transition(RunStatusQueued) {
		return
	}
	if r.metrics != nil {
		r.metrics.DecrementParked()
	}
	r.logger.Info("run promoted",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.GroupKey, run.Group),
	)
	r.enqueueRun(run, 0)
}

// cancelRun signals cancellation and finalizes runs that never started.
func (r *Runner) cancelRun(run *Run, reason string) {
	run.signalCancel(reason)

	// Runs still waiting for dispatch never reach the execute path, so
	// finalize them here. finish is idempotent; a concurrent dispatch
	// observes the terminal status and backs off.
	if st := run.Status(); st == RunStatusQueued || st == RunStatusPending {
		r.finish(run, RunStatusCancelled, nil, reason)
	}
}

// transition moves the run to a new non-terminal status. Returns false
// if the run is already terminal.
func (r *Run) transition(to RunStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = to
	return true
}
