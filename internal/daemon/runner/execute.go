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
	"io"
	"os"
	"time"

	"log/slog"

	"github.com/upkeep-run/upkeep/internal/log"
	"github.com/upkeep-run/upkeep/internal/tracing"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// dispatchLoop feeds dequeued runs to execution goroutines. It exits
// when the queue is closed.
func (r *Runner) dispatchLoop() {
	defer r.wg.Done()

	for {
		item, err := r.queue.Dequeue(context.Background())
		if err != nil {
			return
		}

		r.mu.RLock()
		run := r.runs[item.RunID]
		r.mu.RUnlock()
		if run == nil {
			// Finished before dispatch, e.g. cancelled while queued.
			continue
		}

		r.wg.Add(1)
		go r.execute(run)
	}
}

// execute runs one dispatched run: waits for an execution slot, drives
// the job executor, and finalizes the run.
func (r *Runner) execute(run *Run) {
	defer r.wg.Done()

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-run.stopped:
		r.finish(run, RunStatusCancelled, nil, "cancelled while waiting for an execution slot")
		return
	case <-r.stopCh:
		r.finish(run, RunStatusCancelled, nil, "runner stopped")
		return
	}

	if !run.begin() {
		// Cancelled between dispatch and slot acquisition.
		return
	}
	if r.metrics != nil {
		r.metrics.DecrementQueueDepth()
		r.metrics.RecordRunStart(run.ctx, run.ID, run.Job)
	}
	r.logger.Info("run started",
		slog.String("run_id", run.ID),
		slog.String("job", run.Job),
		slog.String("trigger", string(run.Trigger)),
	)

	ctx := run.ctx
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	var span *tracing.RunSpan
	ctx, span = tracing.StartRunSpan(ctx, r.tracer, run.Job, run.ID, string(run.Trigger))

	// The scratch directory is created here rather than left to the
	// executor so it can be kept for debugging.
	tempDir, err := os.MkdirTemp("", "upkeep-run-")
	if err != nil {
		msg := "failed to create run scratch directory: " + err.Error()
		span.End(string(RunStatusFailed), msg)
		r.finish(run, RunStatusFailed, nil, msg)
		return
	}
	defer func() {
		if r.cfg.KeepTemp {
			r.logger.Info("keeping run scratch directory",
				slog.String("run_id", run.ID),
				slog.String("path", tempDir),
			)
			return
		}
		if err := os.RemoveAll(tempDir); err != nil {
			r.logger.Warn("failed to remove run scratch directory",
				slog.String("run_id", run.ID),
				slog.String("path", tempDir),
				slog.String("error", err.Error()),
			)
		}
	}()

	logSink := io.Writer(run.logs)
	if r.logStore != nil {
		file, err := r.logStore.Create(run.ID)
		if err != nil {
			r.logger.Warn("failed to create run log file",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		} else {
			defer file.Close()
			logSink = io.MultiWriter(run.logs, file)
		}
	}
	if r.logger.Enabled(ctx, log.LevelTrace) {
		logSink = io.MultiWriter(logSink, &traceWriter{logger: r.logger, runID: run.ID})
	}

	result, err := r.exec.Run(ctx, run.def, job.RunOptions{
		RunID:   run.ID,
		Trigger: run.Trigger,
		Inputs:  run.Inputs,
		TempDir: tempDir,
		Log:     logSink,
	})

	var status RunStatus
	var msg string
	switch {
	case err != nil:
		status, msg = RunStatusFailed, err.Error()
	case result.Outcome == job.OutcomeSuccess:
		status = RunStatusCompleted
	case result.Outcome == job.OutcomeCancelled:
		// Without a recorded cancel reason the run context expired on
		// its own, which is the run timeout.
		status = RunStatusCancelled
		msg = run.cancelCause()
		if msg == "" {
			msg = "run timed out after " + r.cfg.RunTimeout.String()
		}
	default:
		status, msg = RunStatusFailed, result.Error
	}

	r.endRunSpan(span, run, result, status, msg)
	r.finish(run, status, result, msg)
}

// endRunSpan records step child spans from the result and closes the
// run span.
func (r *Runner) endRunSpan(span *tracing.RunSpan, run *Run, result *job.Result, status RunStatus, msg string) {
	if span == nil {
		return
	}
	if result != nil {
		for _, step := range result.Steps {
			action := "shell"
			if s := run.def.Step(step.ID); s != nil && s.Uses != "" {
				action = s.Uses
			}
			span.RecordStep(step.ID, action, string(step.Status), step.ExitCode, step.StartedAt, step.CompletedAt)
		}
	}
	span.End(string(status), msg)
}

// begin moves the run to running and stamps the start time. Returns
// false if the run turned terminal before starting.
func (r *Run) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = RunStatusRunning
	now := time.Now()
	r.startedAt = &now
	return true
}

// finish finalizes a run exactly once: stamps the terminal state,
// persists the record, releases the concurrency group, and drops the
// run from the live set.
func (r *Runner) finish(run *Run, status RunStatus, result *job.Result, errMsg string) {
	run.finishOnce.Do(func() {
		now := time.Now()
		run.mu.Lock()
		prev := run.status
		run.status = status
		run.err = errMsg
		run.result = result
		run.completedAt = &now
		run.mu.Unlock()

		// Release the run context regardless of how the run ended.
		run.cancel()

		if err := r.backend.SaveRun(context.Background(), r.toBackendRun(run)); err != nil {
			r.logger.Error("failed to persist run",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}

		r.recordCompletion(run, status, result, prev)
		run.logs.Close()

		r.mu.Lock()
		promoted := r.releaseGroupLocked(run)
		delete(r.runs, run.ID)
		r.mu.Unlock()

		r.aggregator.Remove(run.ID)

		if promoted != nil {
			r.promote(promoted)
		}

		r.logger.Info("run finished",
			slog.String("run_id", run.ID),
			slog.String("job", run.Job),
			slog.String("status", string(status)),
		)
	})
}

// recordCompletion updates metrics for a finished run.
func (r *Runner) recordCompletion(run *Run, status RunStatus, result *job.Result, prev RunStatus) {
	if r.metrics == nil {
		return
	}

	// Runs that never started still hold a queue or parked slot.
	switch prev {
	case RunStatusQueued:
		r.metrics.DecrementQueueDepth()
	case RunStatusPending:
		r.metrics.DecrementParked()
	}

	ctx := context.Background()
	var duration time.Duration
	if result != nil {
		duration = result.Duration
	}
	r.metrics.RecordRunComplete(ctx, run.Job, string(status), string(run.Trigger), duration)

	if result == nil {
		return
	}
	for _, step := range result.Steps {
		action := "shell"
		if s := run.def.Step(step.ID); s != nil && s.Uses != "" {
			action = s.Uses
		}
		r.metrics.RecordStepComplete(ctx, run.Job, action, string(step.Status), step.Duration)
	}
}

// retentionLoop periodically prunes terminal runs and their logs.
func (r *Runner) retentionLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, _, err := r.Prune(context.Background(), time.Now().Add(-r.cfg.RetentionMaxAge)); err != nil {
				r.logger.Warn("retention pruning failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Prune deletes terminal runs that finished before the cutoff along
// with their stored logs. Returns the number of runs and log files
// removed.
func (r *Runner) Prune(ctx context.Context, cutoff time.Time) (runs, logs int, err error) {
	runs, err = r.backend.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}

	if r.logStore != nil {
		logs, err = r.logStore.DeleteBefore(cutoff)
		if err != nil {
			return runs, 0, err
		}
	}

	if runs > 0 || logs > 0 {
		r.logger.Info("pruned old runs",
			slog.Int("runs", runs),
			slog.Int("logs", logs),
			slog.Time("cutoff", cutoff),
		)
	}
	return runs, logs, nil
}
