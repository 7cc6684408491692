package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job/expression"
)

// DefaultCancelGrace is how long cleanup steps (always() conditions) may
// keep running after a run is cancelled.
const DefaultCancelGrace = 30 * time.Second

// ActionRegistry resolves and executes the builtin actions steps invoke
// with uses: (and the shell action backing run: steps).
type ActionRegistry interface {
	// Execute runs the named action.
	//
	// Contract: implementations MUST follow Go conventions:
	//   - On success: return (result, nil) where result is non-nil
	//   - On error: return (result-or-nil, error) where error is non-nil;
	//     a non-nil result alongside an error carries partial output
	//     such as the process exit code
	Execute(ctx context.Context, name string, inv *Invocation) (*ActionResult, error)
}

// Invocation carries everything an action needs for one step execution.
type Invocation struct {
	// RunID identifies the run.
	RunID string

	// JobName is the name of the job being run.
	JobName string

	// StepID is the ID of the executing step.
	StepID string

	// Inputs are the step's resolved with: values (or the command for
	// shell steps).
	Inputs map[string]interface{}

	// Env is the fully layered step environment in KEY=value form.
	Env []string

	// WorkingDir is the resolved working directory ("" means the
	// process working directory).
	WorkingDir string

	// TempDir is the per-run scratch directory.
	TempDir string

	// EnvFile is the path steps append exports to.
	EnvFile string

	// Log receives the step's combined output as it is produced.
	Log io.Writer
}

// ActionResult is what an action execution produced.
type ActionResult struct {
	// Outputs are the structured outputs (e.g. the resolved commit SHA).
	Outputs map[string]interface{}

	// Output is the captured combined stdout/stderr for process actions.
	Output string

	// ExitCode is the process exit code for actions that ran a command.
	ExitCode int
}

// Executor runs job definitions step by step.
type Executor struct {
	actions     ActionRegistry
	exprEval    *expression.Evaluator
	logger      *slog.Logger
	emitter     *EventEmitter
	cancelGrace time.Duration
	baseEnv     map[string]string
}

// NewExecutor creates a job executor backed by the given action registry.
func NewExecutor(actions ActionRegistry) *Executor {
	return &Executor{
		actions:     actions,
		exprEval:    expression.New(),
		logger:      slog.Default(),
		cancelGrace: DefaultCancelGrace,
	}
}

// WithLogger sets a custom logger for the executor.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

// WithEmitter sets the event emitter run and step events are sent to.
func (e *Executor) WithEmitter(emitter *EventEmitter) *Executor {
	e.emitter = emitter
	return e
}

// WithCancelGrace sets how long cleanup steps may run after cancellation.
func (e *Executor) WithCancelGrace(grace time.Duration) *Executor {
	if grace > 0 {
		e.cancelGrace = grace
	}
	return e
}

// WithBaseEnv sets the environment every step starts from. Defaults to
// the process environment.
func (e *Executor) WithBaseEnv(env map[string]string) *Executor {
	e.baseEnv = env
	return e
}

// RunOptions configures one run.
type RunOptions struct {
	// RunID identifies the run. Generated when empty.
	RunID string

	// Trigger records what started the run.
	Trigger TriggerSource

	// Inputs are the resolved dispatch inputs
	// (see DispatchTrigger.ResolveInputs).
	Inputs map[string]interface{}

	// WorkDir is the working directory for steps that do not set one.
	WorkDir string

	// TempDir is the per-run scratch directory. Created under the system
	// temp directory (and removed afterwards) when empty.
	TempDir string

	// Log receives the combined output of all steps.
	Log io.Writer
}

// Run executes a job definition to completion. Step failures are reported
// in the returned Result, not as an error; the error return covers setup
// problems such as an unusable scratch directory.
//
// Cancelling ctx stops the run: the in-flight step is interrupted, later
// steps are marked cancelled, and steps whose condition still holds under
// cancellation (always(), cancelled()) run within the cancel grace period.
func (e *Executor) Run(ctx context.Context, def *Definition, opts RunOptions) (*Result, error) {
	if def == nil {
		return nil, fmt.Errorf("job definition is nil")
	}
	if e.actions == nil {
		return nil, &errors.ConfigError{
			Key:    "action_registry",
			Reason: "action registry not configured for job executor",
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logSink := opts.Log
	if logSink == nil {
		logSink = io.Discard
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerDispatch
	}

	tempDir := opts.TempDir
	ownTemp := false
	if tempDir == "" {
		dir, err := os.MkdirTemp("", "upkeep-run-")
		if err != nil {
			return nil, fmt.Errorf("failed to create run scratch directory: %w", err)
		}
		tempDir = dir
		ownTemp = true
	}
	if ownTemp {
		defer os.RemoveAll(tempDir)
	}
	envFile := filepath.Join(tempDir, "env")

	logger := e.logger.With(
		slog.String("run_id", runID),
		slog.String("job", def.Name),
	)

	runCtx := NewRunContext(opts.Inputs)

	// Template context behind {{ runner.temp }}, {{ job.name }} and
	// {{ run.id }} references.
	runInfo := map[string]interface{}{
		"runner": map[string]interface{}{
			"temp": tempDir,
			"os":   runtime.GOOS,
		},
		"job": map[string]interface{}{
			"name": def.Name,
		},
		"run": map[string]interface{}{
			"id":      runID,
			"trigger": string(trigger),
		},
	}

	baseEnv := e.baseEnv
	if baseEnv == nil {
		baseEnv = LoadEnvironment()
	}

	result := &Result{
		JobName:   def.Name,
		StartedAt: time.Now(),
	}

	e.emitRunStarted(ctx, runID, def.Name, trigger)
	logger.Info("run started", slog.String("trigger", string(trigger)))

	// Resolve the job-level env. Values may reference inputs and the run
	// context.
	jobEnvCtx := runCtx.EvalContext(false, false)
	for k, v := range runInfo {
		jobEnvCtx[k] = v
	}
	jobEnv, err := e.resolveEnvMap(def.Env, jobEnvCtx)
	if err != nil {
		return e.finishRun(ctx, logger, runID, def.Name, result, OutcomeFailed, fmt.Sprintf("failed to resolve job env: %s", err.Error()))
	}
	runCtx.MergeEnv(jobEnv)

	exports := make(map[string]string)

	failed := false
	cancelled := false

	for i := range def.Steps {
		step := &def.Steps[i]

		if ctx.Err() != nil {
			cancelled = true
		}

		stepResult := e.runStep(ctx, logger, step, runCtx, stepRunState{
			runID:   runID,
			jobName: def.Name,
			trigger: trigger,
			runInfo: runInfo,
			workDir: opts.WorkDir,
			tempDir: tempDir,
			envFile: envFile,
			baseEnv: baseEnv,
			jobEnv:  jobEnv,
			exports: exports,
			log:     logSink,

			failed:    failed,
			cancelled: cancelled,
		})

		runCtx.SetResult(step.ID, stepResult)
		result.Steps = append(result.Steps, stepResult)
		e.emitStepCompleted(ctx, runID, def.Name, stepResult)

		switch stepResult.Status {
		case StepStatusFailed:
			if !step.ContinueOnError {
				failed = true
			}
		case StepStatusCancelled:
			cancelled = true
		}
	}

	outcome := OutcomeSuccess
	if failed {
		outcome = OutcomeFailed
	}
	if cancelled {
		outcome = OutcomeCancelled
	}
	return e.finishRun(ctx, logger, runID, def.Name, result, outcome, "")
}

// stepRunState bundles the per-run plumbing runStep needs.
type stepRunState struct {
	runID   string
	jobName string
	trigger TriggerSource
	runInfo map[string]interface{}
	workDir string
	tempDir string
	envFile string
	baseEnv map[string]string
	jobEnv  map[string]string
	exports map[string]string
	log     io.Writer

	failed    bool
	cancelled bool
}

// runStep executes one step end to end: condition, template resolution,
// action dispatch, and export collection.
func (e *Executor) runStep(ctx context.Context, logger *slog.Logger, step *StepDefinition, runCtx *RunContext, state stepRunState) *StepResult {
	result := &StepResult{
		ID:        step.ID,
		Name:      step.Name,
		Status:    StepStatusRunning,
		StartedAt: time.Now(),
	}
	finish := func(status StepStatus) *StepResult {
		result.Status = status
		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		return result
	}

	stepLogger := logger.With(slog.String("step_id", step.ID))
	evalCtx := runCtx.EvalContext(state.failed, state.cancelled)
	for k, v := range state.runInfo {
		evalCtx[k] = v
	}

	// Empty conditions default to success(): run only while the run is
	// still clean.
	condition := step.If
	if condition == "" {
		condition = "success()"
	}
	shouldRun, err := e.exprEval.Evaluate(condition, evalCtx)
	if err != nil {
		result.Error = err.Error()
		stepLogger.Error("condition evaluation failed", slog.String("error", err.Error()))
		return finish(StepStatusFailed)
	}
	if !shouldRun {
		if state.cancelled {
			result.SkipReason = "run cancelled"
			stepLogger.Info("step cancelled")
			return finish(StepStatusCancelled)
		}
		result.SkipReason = "condition evaluated to false"
		stepLogger.Debug("step skipped",
			slog.String("condition", condition),
		)
		return finish(StepStatusSkipped)
	}

	e.emitStepStarted(ctx, state.runID, state.jobName, step.ID)
	stepLogger.Info("step started", slog.String("action", stepActionName(step)))

	// A cancelled run still executes steps whose condition held (cleanup
	// under always()), but only within the grace window.
	stepCtx := ctx
	var graceCancel context.CancelFunc
	if state.cancelled {
		stepCtx, graceCancel = context.WithTimeout(context.WithoutCancel(ctx), e.cancelGrace)
	}
	if graceCancel != nil {
		defer graceCancel()
	}

	var timeoutCancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, timeoutCancel = context.WithTimeout(stepCtx, time.Duration(step.Timeout)*time.Second)
		defer timeoutCancel()
	}

	// Each step sees a fresh export file; accumulated exports live in the
	// run environment.
	if err := os.WriteFile(state.envFile, nil, 0o600); err != nil {
		result.Error = fmt.Sprintf("failed to reset export file: %s", err.Error())
		return finish(StepStatusFailed)
	}

	name, inputs, err := e.resolveStep(step, evalCtx)
	if err != nil {
		result.Error = err.Error()
		stepLogger.Error("template resolution failed", slog.String("error", err.Error()))
		return finish(StepStatusFailed)
	}

	stepEnv, err := e.resolveEnvMap(step.Env, evalCtx)
	if err != nil {
		result.Error = fmt.Sprintf("failed to resolve step env: %s", err.Error())
		return finish(StepStatusFailed)
	}

	workingDir := step.WorkingDir
	if workingDir != "" {
		workingDir, err = expression.Interpolate(workingDir, evalCtx)
		if err != nil {
			result.Error = fmt.Sprintf("failed to resolve working_dir: %s", err.Error())
			return finish(StepStatusFailed)
		}
	}
	if workingDir == "" {
		workingDir = state.workDir
	}

	env := mergeEnv(state.baseEnv, state.jobEnv, stepEnv, state.exports, map[string]string{
		EnvFileVar: state.envFile,
		TempDirVar: state.tempDir,
		RunIDVar:   state.runID,
		JobVar:     state.jobName,
		TriggerVar: string(state.trigger),
	})

	inv := &Invocation{
		RunID:      state.runID,
		JobName:    state.jobName,
		StepID:     step.ID,
		Inputs:     inputs,
		Env:        flattenEnv(env),
		WorkingDir: workingDir,
		TempDir:    state.tempDir,
		EnvFile:    state.envFile,
		Log:        state.log,
	}

	actionRes, execErr := e.actions.Execute(stepCtx, name, inv)
	if actionRes != nil {
		result.Outputs = actionRes.Outputs
		result.Output = actionRes.Output
		result.ExitCode = actionRes.ExitCode
	}

	// Collect exports even from failed steps; a partially written file
	// that does not parse fails the step.
	exported, exportErr := ReadEnvFile(state.envFile)
	if exportErr == nil {
		for k, v := range exported {
			state.exports[k] = v
			runCtx.SetEnv(k, v)
		}
	}

	if execErr != nil {
		stepErr := &errors.StepError{
			Step:     step.ID,
			Action:   name,
			ExitCode: result.ExitCode,
			Message:  execErr.Error(),
			Cause:    execErr,
		}
		result.Error = stepErr.Error()
		if stepCtx.Err() == context.DeadlineExceeded && !state.cancelled {
			result.Error = fmt.Sprintf("step timed out after %ds", step.Timeout)
		}
		if ctx.Err() != nil && !state.cancelled {
			stepLogger.Info("step cancelled", slog.String("error", execErr.Error()))
			return finish(StepStatusCancelled)
		}
		stepLogger.Error("step failed",
			slog.String("error", result.Error),
			slog.Int("exit_code", result.ExitCode),
		)
		return finish(StepStatusFailed)
	}

	if exportErr != nil {
		result.Error = fmt.Sprintf("invalid export file: %s", exportErr.Error())
		stepLogger.Error("step failed", slog.String("error", result.Error))
		return finish(StepStatusFailed)
	}

	res := finish(StepStatusSuccess)
	stepLogger.Info("step completed", slog.Int64("duration_ms", res.Duration.Milliseconds()))
	return res
}

// resolveStep resolves the step's templates and returns the action name
// plus its inputs. run: steps dispatch to the shell action.
func (e *Executor) resolveStep(step *StepDefinition, evalCtx map[string]interface{}) (string, map[string]interface{}, error) {
	if step.Run != "" {
		command, err := expression.Interpolate(step.Run, evalCtx)
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve run command: %w", err)
		}
		return "shell", map[string]interface{}{
			"command": command,
			"shell":   step.Shell,
		}, nil
	}

	inputs, err := resolveValueMap(step.With, evalCtx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve with values: %w", err)
	}
	return step.Uses, inputs, nil
}

// resolveEnvMap interpolates every value of an env map.
func (e *Executor) resolveEnvMap(env map[string]string, evalCtx map[string]interface{}) (map[string]string, error) {
	if len(env) == 0 {
		return map[string]string{}, nil
	}
	resolved := make(map[string]string, len(env))
	for k, v := range env {
		rv, err := expression.Interpolate(v, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		resolved[k] = rv
	}
	return resolved, nil
}

// resolveValueMap interpolates string values recursively, leaving other
// types untouched.
func resolveValueMap(m map[string]interface{}, evalCtx map[string]interface{}) (map[string]interface{}, error) {
	if len(m) == 0 {
		return map[string]interface{}{}, nil
	}
	resolved := make(map[string]interface{}, len(m))
	for k, v := range m {
		rv, err := resolveValue(v, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func resolveValue(v interface{}, evalCtx map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return expression.Interpolate(val, evalCtx)
	case map[string]interface{}:
		return resolveValueMap(val, evalCtx)
	case []interface{}:
		resolved := make([]interface{}, len(val))
		for i, item := range val {
			ri, err := resolveValue(item, evalCtx)
			if err != nil {
				return nil, err
			}
			resolved[i] = ri
		}
		return resolved, nil
	default:
		return v, nil
	}
}

// finishRun stamps the result, emits completion, and logs the outcome.
func (e *Executor) finishRun(ctx context.Context, logger *slog.Logger, runID, jobName string, result *Result, outcome Outcome, errMsg string) (*Result, error) {
	result.Outcome = outcome
	if errMsg != "" {
		result.Error = errMsg
	} else if outcome == OutcomeFailed {
		result.Error = firstStepError(result)
	}
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	e.emitRunCompleted(ctx, runID, jobName, result)

	switch outcome {
	case OutcomeSuccess:
		logger.Info("run completed",
			slog.Int64("duration_ms", result.Duration.Milliseconds()),
		)
	case OutcomeCancelled:
		logger.Info("run cancelled",
			slog.Int64("duration_ms", result.Duration.Milliseconds()),
		)
	default:
		logger.Error("run failed",
			slog.String("error", result.Error),
			slog.Int64("duration_ms", result.Duration.Milliseconds()),
		)
	}
	return result, nil
}

// firstStepError returns the first failed step's error message.
func firstStepError(result *Result) string {
	for _, s := range result.Steps {
		if s.Status == StepStatusFailed && s.Error != "" {
			return s.Error
		}
	}
	return ""
}

// stepActionName names what the step executes, for logging.
func stepActionName(step *StepDefinition) string {
	if step.Uses != "" {
		return step.Uses
	}
	return "shell"
}

func (e *Executor) emitRunStarted(ctx context.Context, runID, jobName string, trigger TriggerSource) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.EmitRunStarted(ctx, runID, jobName, trigger); err != nil {
		e.logger.Warn("event listener failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) emitStepStarted(ctx context.Context, runID, jobName, stepID string) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.EmitStepStarted(ctx, runID, jobName, stepID); err != nil {
		e.logger.Warn("event listener failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) emitStepCompleted(ctx context.Context, runID, jobName string, result *StepResult) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.EmitStepCompleted(ctx, runID, jobName, result); err != nil {
		e.logger.Warn("event listener failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) emitRunCompleted(ctx context.Context, runID, jobName string, result *Result) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.EmitRunCompleted(ctx, runID, jobName, result); err != nil {
		e.logger.Warn("event listener failed", slog.String("error", err.Error()))
	}
}
