package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job/cron"
)

// TriggerSource identifies what started a run.
type TriggerSource string

const (
	// TriggerSchedule marks runs started by the cron scheduler.
	TriggerSchedule TriggerSource = "schedule"
	// TriggerDispatch marks runs started by an operator (CLI or API).
	TriggerDispatch TriggerSource = "dispatch"
)

// TriggerConfig defines what starts a job. A job may carry any number of
// schedules plus an optional dispatch block; a job with no triggers can
// still be run directly.
type TriggerConfig struct {
	// Schedule lists cron schedules that fire the job.
	Schedule []ScheduleTrigger `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// Dispatch enables manual dispatch and declares its inputs.
	Dispatch *DispatchTrigger `yaml:"dispatch,omitempty" json:"dispatch,omitempty"`
}

// ScheduleTrigger defines one cron schedule entry.
type ScheduleTrigger struct {
	// Cron is the schedule in five-field cron syntax (or an @shortcut).
	Cron string `yaml:"cron" json:"cron"`

	// Timezone is an IANA timezone name (e.g., "UTC", "Europe/Amsterdam").
	// Empty means the daemon's local timezone.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// Enabled allows disabling a schedule without removing it. Defaults to true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Inputs are fixed input values applied when this schedule fires.
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// IsEnabled returns whether the schedule should fire.
func (s *ScheduleTrigger) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Location resolves the schedule's timezone. Defaults to time.Local.
func (s *ScheduleTrigger) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// DispatchTrigger enables manual dispatch of a job and declares the inputs
// a dispatcher may (or must) provide.
type DispatchTrigger struct {
	// Inputs declares the accepted inputs, keyed by input name.
	Inputs map[string]InputDefinition `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// Input value types.
const (
	InputTypeString  = "string"
	InputTypeNumber  = "number"
	InputTypeBoolean = "boolean"
)

// InputDefinition declares one dispatch input.
type InputDefinition struct {
	// Description explains the input to dispatchers.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type is one of string, number, boolean. Defaults to string.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Required inputs must be provided (or carry a default).
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Default is used when the dispatcher omits the input.
	Default interface{} `yaml:"default,omitempty" json:"default,omitempty"`
}

// Validate checks the trigger configuration for errors.
func (t *TriggerConfig) Validate() error {
	for i := range t.Schedule {
		if err := t.Schedule[i].Validate(); err != nil {
			return fmt.Errorf("invalid schedule %d: %w", i, err)
		}
		// Fixed schedule inputs must satisfy the dispatch input declarations
		// so a firing schedule can never produce an invalid run.
		if len(t.Schedule[i].Inputs) > 0 {
			if t.Dispatch == nil {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("on.schedule[%d].inputs", i),
					Message:    "schedule declares inputs but the job has no dispatch inputs",
					Suggestion: "declare the inputs under on.dispatch.inputs",
				}
			}
			if _, err := t.Dispatch.ResolveInputs(t.Schedule[i].Inputs); err != nil {
				return fmt.Errorf("invalid schedule %d inputs: %w", i, err)
			}
		}
	}

	if t.Dispatch != nil {
		if err := t.Dispatch.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks one schedule entry.
func (s *ScheduleTrigger) Validate() error {
	if s.Cron == "" {
		return &errors.ValidationError{
			Field:      "cron",
			Message:    "cron expression is required for schedule triggers",
			Suggestion: "use five-field cron syntax like '0 */18 * * *' or a shortcut like @daily",
		}
	}
	if _, err := cron.Parse(s.Cron); err != nil {
		return &errors.ValidationError{
			Field:      "cron",
			Message:    fmt.Sprintf("invalid cron expression %q: %s", s.Cron, err.Error()),
			Suggestion: "use five-field cron syntax: minute hour day-of-month month day-of-week",
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return &errors.ValidationError{
				Field:      "timezone",
				Message:    fmt.Sprintf("unknown timezone %q", s.Timezone),
				Suggestion: "use an IANA timezone name like 'UTC' or 'Europe/Amsterdam'",
			}
		}
	}
	return nil
}

// Validate checks the dispatch input declarations.
func (d *DispatchTrigger) Validate() error {
	for name, def := range d.Inputs {
		if !validInputName(name) {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("on.dispatch.inputs.%s", name),
				Message:    "input names must start with a letter and contain only letters, digits, _ and -",
				Suggestion: "rename the input, e.g. 'target_branch'",
			}
		}
		switch def.Type {
		case "", InputTypeString, InputTypeNumber, InputTypeBoolean:
		default:
			return &errors.ValidationError{
				Field:      fmt.Sprintf("on.dispatch.inputs.%s.type", name),
				Message:    fmt.Sprintf("unsupported input type: %s", def.Type),
				Suggestion: "use one of: string, number, boolean",
			}
		}
		if def.Default != nil {
			if _, err := coerceValue(def.InputType(), def.Default); err != nil {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("on.dispatch.inputs.%s.default", name),
					Message:    fmt.Sprintf("default does not match declared type %s: %s", def.InputType(), err.Error()),
					Suggestion: "make the default a " + def.InputType() + " value",
				}
			}
		}
	}
	return nil
}

// InputType returns the effective type, defaulting to string.
func (d InputDefinition) InputType() string {
	if d.Type == "" {
		return InputTypeString
	}
	return d.Type
}

// ResolveInputs merges provided values over declared defaults and validates
// the result: unknown keys are rejected, values are coerced to their
// declared types, and required inputs must end up with a value.
func (d *DispatchTrigger) ResolveInputs(provided map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(d.Inputs))

	for name, def := range d.Inputs {
		if def.Default != nil {
			v, err := coerceValue(def.InputType(), def.Default)
			if err != nil {
				return nil, fmt.Errorf("default for input %s: %w", name, err)
			}
			resolved[name] = v
		}
	}

	for name, raw := range provided {
		def, ok := d.Inputs[name]
		if !ok {
			return nil, &errors.ValidationError{
				Field:      "inputs." + name,
				Message:    fmt.Sprintf("unknown input: %s", name),
				Suggestion: "declare the input under on.dispatch.inputs or remove it",
			}
		}
		v, err := coerceValue(def.InputType(), raw)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:      "inputs." + name,
				Message:    fmt.Sprintf("expected %s: %s", def.InputType(), err.Error()),
				Suggestion: fmt.Sprintf("provide a %s value for %s", def.InputType(), name),
			}
		}
		resolved[name] = v
	}

	for name, def := range d.Inputs {
		if def.Required {
			if _, ok := resolved[name]; !ok {
				return nil, &errors.ValidationError{
					Field:      "inputs." + name,
					Message:    fmt.Sprintf("required input missing: %s", name),
					Suggestion: "provide the input or declare a default",
				}
			}
		}
	}

	return resolved, nil
}

// ParseInput converts a raw string (as received from CLI flags) into the
// declared input type.
func (d InputDefinition) ParseInput(raw string) (interface{}, error) {
	switch d.InputType() {
	case InputTypeString:
		return raw, nil
	case InputTypeNumber:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", raw)
		}
		return f, nil
	case InputTypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", raw)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported input type: %s", d.Type)
	}
}

// coerceValue checks a value against an input type, tolerating the numeric
// representations YAML and JSON decoding produce.
func coerceValue(inputType string, val interface{}) (interface{}, error) {
	switch inputType {
	case InputTypeString:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("got %T", val)
		}
		return s, nil
	case InputTypeNumber:
		switch v := val.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		default:
			return nil, fmt.Errorf("got %T", val)
		}
	case InputTypeBoolean:
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("got %T", val)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported input type: %s", inputType)
	}
}

// validInputName reports whether the name is usable as an input key.
func validInputName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '_':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// describeTriggers renders a short human-readable trigger summary for CLI
// listings, e.g. "cron 0 */18 * * *; dispatch".
func describeTriggers(t TriggerConfig) string {
	var parts []string
	for _, s := range t.Schedule {
		desc := "cron " + s.Cron
		if !s.IsEnabled() {
			desc += " (disabled)"
		}
		parts = append(parts, desc)
	}
	if t.Dispatch != nil {
		parts = append(parts, "dispatch")
	}
	if len(parts) == 0 {
		return "manual only"
	}
	return strings.Join(parts, "; ")
}
