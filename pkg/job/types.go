package job

import (
	"fmt"
	"time"

	"github.com/upkeep-run/upkeep/pkg/job/expression"
)

// ErrKeyNotFound represents an error when a requested key does not exist.
type ErrKeyNotFound struct {
	Key string
}

// Error implements the error interface.
// Security: Does not include the actual value to prevent credential leakage.
func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}

// ErrTypeAssertion represents an error when a value cannot be asserted to the expected type.
type ErrTypeAssertion struct {
	Key  string // The key that was accessed
	Got  string // The actual type received (as string representation)
	Want string // The expected type
}

// Error implements the error interface.
// Security: Does not include the actual value to prevent credential leakage.
func (e ErrTypeAssertion) Error() string {
	return fmt.Sprintf("key %q is %s, not %s", e.Key, e.Got, e.Want)
}

// StepStatus represents the execution status of a job step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started yet.
	StepStatusPending StepStatus = "pending"
	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusSuccess indicates the step completed successfully.
	StepStatusSuccess StepStatus = "success"
	// StepStatusFailed indicates the step failed.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was skipped due to its condition.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusCancelled indicates the run was cancelled before or during the step.
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal returns true if the status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSuccess, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	// ID is the ID of the executed step.
	ID string `json:"id"`

	// Name is the human-readable step name, when one was given.
	Name string `json:"name,omitempty"`

	// Status is the execution status.
	Status StepStatus `json:"status"`

	// Outputs contains the structured outputs the step produced
	// (for example the resolved commit for a checkout step).
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Output is the captured combined stdout/stderr of process steps.
	Output string `json:"output,omitempty"`

	// ExitCode is the process exit code for steps that ran a command.
	ExitCode int `json:"exit_code,omitempty"`

	// Error contains the failure message if the step failed.
	Error string `json:"error,omitempty"`

	// SkipReason explains why a skipped step did not run.
	SkipReason string `json:"skip_reason,omitempty"`

	// StartedAt is when the step execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step execution finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the time taken to execute the step.
	Duration time.Duration `json:"duration"`
}

// ToMap converts the result to an untyped map for expression evaluation.
// Steps are addressed as steps.<id>.outcome, steps.<id>.outputs.<key> and
// steps.<id>.exit_code in conditions and templates.
func (r *StepResult) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"outcome": string(r.Status),
	}
	if len(r.Outputs) > 0 {
		m["outputs"] = r.Outputs
	} else {
		m["outputs"] = map[string]interface{}{}
	}
	if r.Output != "" {
		m["output"] = r.Output
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	m["exit_code"] = r.ExitCode
	return m
}

// Outcome represents the overall result of a job run.
type Outcome string

const (
	// OutcomeSuccess indicates every step succeeded or was skipped.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailed indicates at least one step failed without continue_on_error.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled indicates the run was cancelled before completion.
	OutcomeCancelled Outcome = "cancelled"
)

// Result is the outcome of executing a whole job definition.
type Result struct {
	// JobName is the name of the executed job.
	JobName string `json:"job_name"`

	// Outcome is the overall run outcome.
	Outcome Outcome `json:"outcome"`

	// Steps holds per-step results in execution order.
	Steps []*StepResult `json:"steps"`

	// Error is the first fatal error encountered, if any.
	Error string `json:"error,omitempty"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run time.
	Duration time.Duration `json:"duration"`
}

// Step returns the result for the given step ID, or nil.
func (r *Result) Step(id string) *StepResult {
	for _, s := range r.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// RunContext tracks the evolving state of one run: dispatch inputs, step
// results, and the accumulated environment (job env plus values exported by
// earlier steps). Methods are safe for concurrent reads but NOT for
// concurrent writes. The executor is the only writer.
type RunContext struct {
	inputs  map[string]interface{}
	results map[string]*StepResult
	env     map[string]string
}

// NewRunContext creates a RunContext with the provided dispatch inputs.
func NewRunContext(inputs map[string]interface{}) *RunContext {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	return &RunContext{
		inputs:  inputs,
		results: make(map[string]*StepResult),
		env:     make(map[string]string),
	}
}

// GetString retrieves a string value from the run inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *RunContext) GetString(key string) (string, error) {
	val, ok := c.inputs[key]
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	str, ok := val.(string)
	if !ok {
		return "", ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "string"}
	}
	return str, nil
}

// GetStringOr returns a string value or the default if key is missing or wrong type.
func (c *RunContext) GetStringOr(key string, defaultVal string) string {
	str, err := c.GetString(key)
	if err != nil {
		return defaultVal
	}
	return str
}

// GetBool retrieves a bool value from the run inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *RunContext) GetBool(key string) (bool, error) {
	val, ok := c.inputs[key]
	if !ok {
		return false, ErrKeyNotFound{Key: key}
	}
	b, ok := val.(bool)
	if !ok {
		return false, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "bool"}
	}
	return b, nil
}

// GetBoolOr returns a bool value or the default if key is missing or wrong type.
func (c *RunContext) GetBoolOr(key string, defaultVal bool) bool {
	b, err := c.GetBool(key)
	if err != nil {
		return defaultVal
	}
	return b
}

// GetInt64 retrieves an int64 value from the run inputs.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *RunContext) GetInt64(key string) (int64, error) {
	val, ok := c.inputs[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}

	// Handle the integer types that come out of JSON/YAML unmarshaling
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		// JSON numbers unmarshal as float64
		return int64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "int64"}
	}
}

// GetInt64Or returns an int64 value or the default if key is missing or wrong type.
func (c *RunContext) GetInt64Or(key string, defaultVal int64) int64 {
	i, err := c.GetInt64(key)
	if err != nil {
		return defaultVal
	}
	return i
}

// Inputs returns the underlying inputs map for expression evaluation.
// Safe for concurrent reads.
func (c *RunContext) Inputs() map[string]interface{} {
	return c.inputs
}

// Result returns the recorded result for a step, or nil.
func (c *RunContext) Result(stepID string) *StepResult {
	return c.results[stepID]
}

// SetResult records a step result. NOT safe for concurrent writes.
func (c *RunContext) SetResult(stepID string, result *StepResult) {
	c.results[stepID] = result
}

// Env returns the accumulated run environment.
func (c *RunContext) Env() map[string]string {
	return c.env
}

// SetEnv sets one environment value for subsequent steps.
func (c *RunContext) SetEnv(key, value string) {
	c.env[key] = value
}

// MergeEnv folds exported values into the run environment.
func (c *RunContext) MergeEnv(values map[string]string) {
	for k, v := range values {
		c.env[k] = v
	}
}

// EvalContext builds the expression evaluation context for the current run
// state. The failed and cancelled flags select the behavior of the status
// functions (success(), failure(), cancelled(), always()).
func (c *RunContext) EvalContext(failed, cancelled bool) map[string]interface{} {
	steps := make(map[string]interface{}, len(c.results))
	for id, res := range c.results {
		steps[id] = res.ToMap()
	}

	env := make(map[string]interface{}, len(c.env))
	for k, v := range c.env {
		env[k] = v
	}

	ctx := map[string]interface{}{
		"inputs": c.inputs,
		"env":    env,
		"steps":  steps,
	}
	for name, fn := range expression.StatusFuncs(failed, cancelled) {
		ctx[name] = fn
	}
	return ctx
}
