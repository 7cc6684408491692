// Package job provides job definition parsing and execution primitives.
//
// Job definitions follow a compact YAML format: triggers under on:
// (cron schedules and manual dispatch), sequential steps that either run
// a shell command (run:) or invoke a builtin action (uses:), and an
// optional concurrency group that serializes runs sharing the same key.
// The version field is optional and defaults to "1".
package job

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job/expression"
	"gopkg.in/yaml.v3"
)

// DefaultStepTimeout is the default per-step timeout in seconds.
// Checkouts and tree copies of large repositories routinely run for
// many minutes, so the default is generous.
const DefaultStepTimeout = 1800

// DefaultShell is the interpreter used for run: steps.
const DefaultShell = "sh"

// builtinActionNames lists the actions steps may reference with uses:.
// The implementations live in the action registry; the names are declared
// here so definitions can be validated without one.
var builtinActionNames = map[string]bool{
	"checkout": true,
	"mirror":   true,
	"shell":    true,
	"docker":   true,
	"artifact": true,
}

// BuiltinActions returns the sorted names of the builtin actions.
func BuiltinActions() []string {
	names := make([]string, 0, len(builtinActionNames))
	for name := range builtinActionNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	// jobNamePattern constrains job names for use in URLs, log fields and
	// on-disk paths.
	jobNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

	// stepIDPattern constrains step IDs for use in expressions
	// (steps.<id>.outcome) and log fields.
	stepIDPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

	// groupPattern constrains concurrency group keys.
	groupPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// ValidGroupKey reports whether s is usable as a resolved concurrency
// group key. Group keys may contain {{ }} templates in the definition;
// those are resolved and re-checked when a run is submitted.
func ValidGroupKey(s string) bool {
	return groupPattern.MatchString(s)
}

// ValidName reports whether s is usable as a job name.
func ValidName(s string) bool {
	return jobNamePattern.MatchString(s)
}

// Definition represents a YAML-based job definition.
// It defines the triggers, environment, and steps of a job that can be
// loaded from a YAML file and executed by the job executor.
//
// The Version field is optional and defaults to "1". This allows minimal
// job definitions that only declare a name and a steps array.
type Definition struct {
	// Name is the job identifier.
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the job.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version tracks the definition schema version (optional, defaults to "1").
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// On defines what starts this job (cron schedules, manual dispatch).
	On TriggerConfig `yaml:"on,omitempty" json:"on,omitempty"`

	// Concurrency serializes runs that share a group key.
	Concurrency *ConcurrencyConfig `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	// Env is exported to every step of the job.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Defaults sets job-wide step defaults.
	Defaults Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Steps are the executable units of the job, run in order.
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// Defaults holds job-wide defaults applied to steps that do not set the
// corresponding field themselves.
type Defaults struct {
	// Shell is the interpreter for run: steps (defaults to "sh").
	Shell string `yaml:"shell,omitempty" json:"shell,omitempty"`

	// WorkingDir is the working directory for steps.
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`

	// Timeout is the per-step timeout in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// merge fills unset fields from other.
func (d *Defaults) merge(other Defaults) {
	if d.Shell == "" {
		d.Shell = other.Shell
	}
	if d.WorkingDir == "" {
		d.WorkingDir = other.WorkingDir
	}
	if d.Timeout == 0 {
		d.Timeout = other.Timeout
	}
}

// ConcurrencyConfig serializes runs of jobs that share a group key.
// At most one run per group executes at a time; at most one newer run
// waits, and a newer submission supersedes the one waiting.
type ConcurrencyConfig struct {
	// Group is the concurrency key. Jobs sharing a group never run
	// concurrently, even across different job definitions.
	Group string `yaml:"group" json:"group"`

	// CancelInProgress cancels the active run of the group when a new
	// run arrives, instead of queueing behind it.
	CancelInProgress bool `yaml:"cancel_in_progress,omitempty" json:"cancel_in_progress,omitempty"`
}

// UnmarshalYAML accepts both the mapping form and the string shorthand:
//
//	concurrency: woboq
//
// is equivalent to
//
//	concurrency:
//	  group: woboq
func (c *ConcurrencyConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var group string
	if err := unmarshal(&group); err == nil {
		c.Group = group
		c.CancelInProgress = false
		return nil
	}

	type plainConcurrency ConcurrencyConfig
	return unmarshal((*plainConcurrency)(c))
}

// StepDefinition represents a single step in a job.
//
// A step either runs a shell command (run:) or invokes a builtin action
// (uses: with inputs under with:). Step environment layers over the job
// environment, and values exported by earlier steps through the export
// file are visible to later ones. The Name field is optional.
type StepDefinition struct {
	// ID is the unique step identifier within this job.
	// Auto-generated from the action name when omitted.
	ID string `yaml:"id,omitempty" json:"id"`

	// Name is a human-readable step name (optional).
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Run is an inline shell command, executed with the step shell.
	Run string `yaml:"run,omitempty" json:"run,omitempty"`

	// Uses invokes a builtin action (checkout, mirror, shell, docker, artifact).
	Uses string `yaml:"uses,omitempty" json:"uses,omitempty"`

	// With maps action input names to values. Values support {{ }} templates.
	With map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`

	// Env is exported to this step only, layered over the job env.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// WorkingDir overrides the working directory for this step.
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`

	// Shell overrides the interpreter for run: steps.
	Shell string `yaml:"shell,omitempty" json:"shell,omitempty"`

	// If is a condition expression deciding whether the step runs.
	// Defaults to success(): run only while no earlier step has failed.
	If string `yaml:"if,omitempty" json:"if,omitempty"`

	// ContinueOnError lets the run carry on when this step fails.
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`

	// Timeout is the step timeout in seconds (0 means the job default).
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// hasExplicitID tracks whether the ID was explicitly set in YAML.
	// Used by auto-generation to skip steps with explicit IDs.
	hasExplicitID bool
}

// UnmarshalYAML tracks whether the step ID was set explicitly, which the
// auto-ID pass needs to avoid renumbering user-chosen IDs.
func (s *StepDefinition) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw map[string]interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	type plainStep StepDefinition
	if err := unmarshal((*plainStep)(s)); err != nil {
		return err
	}

	if _, ok := raw["id"]; ok {
		s.hasExplicitID = true
	}

	return nil
}

// IsAction reports whether the step invokes a builtin action.
func (s *StepDefinition) IsAction() bool {
	return s.Uses != ""
}

// ParseDefinition parses a YAML job definition, applies defaults, and
// validates the result.
func ParseDefinition(data []byte) (*Definition, error) {
	return ParseDefinitionWithDefaults(data, Defaults{})
}

// ParseDefinitionWithDefaults parses like ParseDefinition but fills
// job-wide defaults the definition leaves unset from fallback first.
// Zero fields in fallback keep the package defaults.
func ParseDefinitionWithDefaults(data []byte, fallback Defaults) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse job definition: %w", err)
	}

	// Auto-generate step IDs before applying defaults
	def.autoGenerateStepIDs()

	def.Defaults.merge(fallback)
	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job definition: %w", err)
	}

	return &def, nil
}

// LoadDefinition reads and parses a job definition file.
func LoadDefinition(path string) (*Definition, error) {
	return LoadDefinitionWithDefaults(path, Defaults{})
}

// LoadDefinitionWithDefaults reads and parses a job definition file,
// filling unset job-wide defaults from fallback.
func LoadDefinitionWithDefaults(path string, fallback Defaults) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job definition: %w", err)
	}
	def, err := ParseDefinitionWithDefaults(data, fallback)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ApplyDefaults applies default values to the definition and its steps.
func (d *Definition) ApplyDefaults() {
	if d.Version == "" {
		d.Version = "1"
	}

	defaultTimeout := d.Defaults.Timeout
	if defaultTimeout == 0 {
		defaultTimeout = DefaultStepTimeout
	}
	defaultShell := d.Defaults.Shell
	if defaultShell == "" {
		defaultShell = DefaultShell
	}

	for i := range d.Steps {
		step := &d.Steps[i]

		if step.Timeout == 0 {
			step.Timeout = defaultTimeout
		}
		if step.Run != "" && step.Shell == "" {
			step.Shell = defaultShell
		}
		if step.WorkingDir == "" {
			step.WorkingDir = d.Defaults.WorkingDir
		}
	}
}

// autoGenerateStepIDs generates IDs for steps that don't have explicit IDs.
// Uses a two-pass algorithm:
//  1. First pass: collect all explicit IDs
//  2. Second pass: generate auto-IDs, skipping numbers that would collide
//
// Auto-ID format: {action}_{N} for uses: steps, run_{N} for run: steps.
// Example: checkout_1, docker_2, run_1.
func (d *Definition) autoGenerateStepIDs() {
	// First pass: collect all explicit IDs
	explicitIDs := make(map[string]bool)
	for _, step := range d.Steps {
		if step.hasExplicitID {
			explicitIDs[step.ID] = true
		}
	}

	// Track counters per base ID
	counters := make(map[string]int)

	// Second pass: generate auto-IDs for steps without explicit IDs
	for i := range d.Steps {
		step := &d.Steps[i]

		if step.hasExplicitID {
			continue
		}

		baseID := "run"
		if step.Uses != "" {
			baseID = strings.ReplaceAll(step.Uses, "-", "_")
		}

		// Find the next available number that doesn't collide
		n := counters[baseID] + 1
		candidate := fmt.Sprintf("%s_%d", baseID, n)
		for explicitIDs[candidate] {
			n++
			candidate = fmt.Sprintf("%s_%d", baseID, n)
		}

		step.ID = candidate
		counters[baseID] = n

		// Mark this ID as used to prevent collisions in subsequent steps
		explicitIDs[candidate] = true
	}
}

// Validate checks if the job definition is valid.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "job name is required",
			Suggestion: "add a name field to the job definition",
		}
	}
	if !jobNamePattern.MatchString(d.Name) {
		return &errors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("invalid job name: %s", d.Name),
			Suggestion: "use lowercase letters, digits, hyphens and underscores, starting with a letter or digit",
		}
	}

	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "job must define at least one step",
			Suggestion: "add a steps array with at least one run: or uses: step",
		}
	}

	if err := d.On.Validate(); err != nil {
		return err
	}

	if d.Concurrency != nil {
		if d.Concurrency.Group == "" {
			return &errors.ValidationError{
				Field:      "concurrency.group",
				Message:    "concurrency group key is required",
				Suggestion: "set concurrency.group, or use the shorthand 'concurrency: <group>'",
			}
		}
		// Templated groups are checked after resolution, at submission.
		if !strings.Contains(d.Concurrency.Group, "{{") && !ValidGroupKey(d.Concurrency.Group) {
			return &errors.ValidationError{
				Field:      "concurrency.group",
				Message:    fmt.Sprintf("invalid concurrency group: %s", d.Concurrency.Group),
				Suggestion: "use letters, digits, dots, hyphens and underscores",
			}
		}
	}

	for name := range d.Env {
		if !validEnvName(name) {
			return &errors.ValidationError{
				Field:      "env",
				Message:    fmt.Sprintf("invalid environment variable name: %s", name),
				Suggestion: "use letters, digits and underscores, not starting with a digit",
			}
		}
	}

	if d.Defaults.Timeout < 0 {
		return &errors.ValidationError{
			Field:      "defaults.timeout",
			Message:    "timeout cannot be negative",
			Suggestion: "use a positive number of seconds, or omit for the default",
		}
	}

	// Validate each step and check for duplicate IDs
	stepIDs := make(map[string]bool)
	allIDs := d.StepIDs()
	for i := range d.Steps {
		step := &d.Steps[i]

		if stepIDs[step.ID] {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    fmt.Sprintf("duplicate step ID: %s", step.ID),
				Suggestion: "give each step a unique id",
			}
		}
		stepIDs[step.ID] = true

		if err := step.validate(allIDs); err != nil {
			return fmt.Errorf("invalid step %s: %w", step.ID, err)
		}
	}

	return nil
}

// validate checks a single step. allIDs is the full ID list for condition
// reference checking.
func (s *StepDefinition) validate(allIDs []string) error {
	if !stepIDPattern.MatchString(s.ID) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid step ID: %s", s.ID),
			Suggestion: "use letters, digits, hyphens and underscores, not starting with a digit",
		}
	}

	hasRun := s.Run != ""
	hasUses := s.Uses != ""
	if hasRun == hasUses {
		return &errors.ValidationError{
			Field:      "run/uses",
			Message:    "step must set exactly one of run: or uses:",
			Suggestion: "use run: for shell commands or uses: for builtin actions",
		}
	}

	if hasUses {
		if !builtinActionNames[s.Uses] {
			return &errors.ValidationError{
				Field:      "uses",
				Message:    fmt.Sprintf("unknown action: %s", s.Uses),
				Suggestion: "use one of: " + strings.Join(BuiltinActions(), ", "),
			}
		}
		if s.Shell != "" {
			return &errors.ValidationError{
				Field:      "shell",
				Message:    "shell only applies to run: steps",
				Suggestion: "remove the shell field or convert the step to run:",
			}
		}
	} else if len(s.With) > 0 {
		return &errors.ValidationError{
			Field:      "with",
			Message:    "with only applies to uses: steps",
			Suggestion: "move the values into the command or convert the step to uses:",
		}
	}

	for name := range s.Env {
		if !validEnvName(name) {
			return &errors.ValidationError{
				Field:      "env",
				Message:    fmt.Sprintf("invalid environment variable name: %s", name),
				Suggestion: "use letters, digits and underscores, not starting with a digit",
			}
		}
	}

	if s.Timeout < 0 {
		return &errors.ValidationError{
			Field:      "timeout",
			Message:    "timeout cannot be negative",
			Suggestion: "use a positive number of seconds, or omit for the default",
		}
	}

	if s.If != "" {
		if err := expression.ValidateStepReferences(s.If, allIDs); err != nil {
			return &errors.ValidationError{
				Field:      "if",
				Message:    err.Error(),
				Suggestion: "reference only steps defined earlier in this job",
			}
		}
	}

	return nil
}

// StepIDs returns the IDs of all steps in definition order.
func (d *Definition) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, step := range d.Steps {
		ids[i] = step.ID
	}
	return ids
}

// Step returns the step with the given ID, or nil.
func (d *Definition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// ConcurrencyGroup returns the concurrency group key, or "" when the job
// has no concurrency constraint.
func (d *Definition) ConcurrencyGroup() string {
	if d.Concurrency == nil {
		return ""
	}
	return d.Concurrency.Group
}

// CancelInProgress reports whether a new run should cancel the group's
// active run instead of waiting behind it.
func (d *Definition) CancelInProgress() bool {
	return d.Concurrency != nil && d.Concurrency.CancelInProgress
}

// TriggerSummary renders a short human-readable trigger description for
// job listings, e.g. "cron 0 */18 * * *; dispatch".
func (d *Definition) TriggerSummary() string {
	return describeTriggers(d.On)
}
