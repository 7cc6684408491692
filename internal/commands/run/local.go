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

package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/upkeep-run/upkeep/internal/action"
	"github.com/upkeep-run/upkeep/internal/cli/format"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/internal/log"
	"github.com/upkeep-run/upkeep/internal/output"
	"github.com/upkeep-run/upkeep/pkg/job"
)

type localOptions struct {
	inputArgs  []string
	inputFile  string
	workDir    string
	keepTemp   bool
	helpInputs bool
}

// runLocal executes a job definition on this machine, without the daemon.
func runLocal(path string, opts localOptions) error {
	def, err := job.LoadDefinition(path)
	if err != nil {
		return shared.NewInvalidJobError(fmt.Sprintf("failed to load %s", path), err)
	}

	if opts.helpInputs {
		shared.PrintJobInputs(os.Stdout, def)
		return nil
	}

	inputs, err := shared.ParseJobInputs(def, opts.inputArgs, opts.inputFile)
	if err != nil {
		return shared.NewMissingInputError("failed to parse inputs", err)
	}
	resolved, err := resolveInputs(def, inputs)
	if err != nil {
		return shared.NewMissingInputError("invalid inputs", err)
	}

	registry, err := action.NewBuiltinRegistry(nil)
	if err != nil {
		return shared.NewRunFailedError("failed to initialize actions", err)
	}

	quiet := shared.GetQuiet()
	jsonOut := shared.GetJSON()

	workDir := opts.workDir
	ownWorkDir := false
	if workDir == "" {
		dir, err := os.MkdirTemp("", "upkeep-work-")
		if err != nil {
			return shared.NewRunFailedError("failed to create working directory", err)
		}
		workDir = dir
		ownWorkDir = true
	}
	if ownWorkDir && !opts.keepTemp {
		defer os.RemoveAll(workDir)
	}

	// Step output streams to stdout. In JSON mode it moves to stderr so
	// stdout stays machine-readable.
	var logSink io.Writer = os.Stdout
	if jsonOut {
		logSink = os.Stderr
	}
	if quiet {
		logSink = io.Discard
	}

	emitter := job.NewEventEmitter()
	if !quiet && !jsonOut {
		newProgressPrinter(os.Stdout, def).attach(emitter)
	}

	logCfg := &log.Config{Level: "error", Format: log.FormatText}
	if shared.GetVerbose() {
		logCfg.Level = "debug"
	}
	executor := job.NewExecutor(registry).
		WithLogger(log.New(logCfg)).
		WithEmitter(emitter)

	// Ctrl-C cancels the run; cleanup steps under always() still get
	// their grace period.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	result, err := executor.Run(ctx, def, job.RunOptions{
		RunID:   runID,
		Trigger: job.TriggerDispatch,
		Inputs:  resolved,
		WorkDir: workDir,
		Log:     logSink,
	})
	if err != nil {
		return shared.NewRunFailedError("job execution failed", err)
	}

	if ownWorkDir && opts.keepTemp {
		fmt.Fprintf(os.Stderr, "Working directory kept: %s\n", workDir)
	}

	if jsonOut {
		if err := emitRunResult(runID, result); err != nil {
			return err
		}
	} else if !quiet {
		printRunSummary(result)
	}

	switch result.Outcome {
	case job.OutcomeFailed:
		return shared.NewRunFailedError(fmt.Sprintf("job %s failed", def.Name), nil)
	case job.OutcomeCancelled:
		return shared.NewRunFailedError(fmt.Sprintf("job %s cancelled", def.Name), nil)
	}
	return nil
}

// printRunSummary renders the closing line(s) after a local run.
func printRunSummary(result *job.Result) {
	fmt.Println()
	elapsed := format.Duration(result.Duration)

	switch result.Outcome {
	case job.OutcomeSuccess:
		fmt.Println(shared.RenderOK(fmt.Sprintf("Job %s completed in %s", result.JobName, elapsed)))
	case job.OutcomeCancelled:
		fmt.Println(shared.RenderWarn(fmt.Sprintf("Job %s cancelled after %s", result.JobName, elapsed)))
	default:
		fmt.Println(shared.RenderError(fmt.Sprintf("Job %s failed after %s", result.JobName, elapsed)))
		for _, step := range result.Steps {
			if step.Status == job.StepStatusFailed && step.Error != "" {
				fmt.Printf("  %s: %s\n", step.ID, step.Error)
			}
		}
	}
}

// emitRunResult renders the run result as a JSON envelope on stdout.
func emitRunResult(runID string, result *job.Result) error {
	type stepSummary struct {
		ID         string `json:"id"`
		Name       string `json:"name,omitempty"`
		Status     string `json:"status"`
		DurationMS int64  `json:"duration_ms"`
		ExitCode   int    `json:"exit_code,omitempty"`
		Error      string `json:"error,omitempty"`
	}
	type runResponse struct {
		output.JSONResponse
		RunID      string        `json:"run_id"`
		Job        string        `json:"job"`
		Outcome    string        `json:"outcome"`
		DurationMS int64         `json:"duration_ms"`
		Steps      []stepSummary `json:"steps"`
		Error      string        `json:"error,omitempty"`
	}

	envelope := output.Failed("run")
	if result.Outcome == job.OutcomeSuccess {
		envelope = output.OK("run")
	}
	resp := runResponse{
		JSONResponse: envelope,
		RunID:        runID,
		Job:          result.JobName,
		Outcome:      string(result.Outcome),
		DurationMS:   result.Duration.Milliseconds(),
		Error:        result.Error,
	}
	for _, step := range result.Steps {
		resp.Steps = append(resp.Steps, stepSummary{
			ID:         step.ID,
			Name:       step.Name,
			Status:     string(step.Status),
			DurationMS: step.Duration.Milliseconds(),
			ExitCode:   step.ExitCode,
			Error:      step.Error,
		})
	}

	return output.EmitJSON(resp)
}
