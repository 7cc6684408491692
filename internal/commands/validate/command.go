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

package validate

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/upkeep-run/upkeep/internal/cli/format"
	"github.com/upkeep-run/upkeep/internal/commands/completion"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/internal/output"
	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <job-file>...",
		Short: "Validate job definition YAML",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate checks that job definition files have valid YAML syntax and
satisfy the definition constraints: known actions, resolvable step
references, valid cron expressions and input declarations. Validation
runs entirely offline and does not contact the daemon.

See also: upkeep run, upkeep jobs`,
		Example: `  # Example 1: Validate a single job
  upkeep validate codebrowser.yaml

  # Example 2: Validate every job in a directory
  upkeep validate jobs/*.yaml

  # Example 3: Machine-readable validation for CI
  upkeep validate codebrowser.yaml --json`,
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completion.CompleteJobFiles,
		SilenceUsage:      true, // Don't print usage on validation errors
		SilenceErrors:     true, // Don't print error message (we handle it ourselves)
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args)
		},
	}

	return cmd
}

// fileResult is the validation outcome for one file.
type fileResult struct {
	Path   string             `json:"path"`
	Valid  bool               `json:"valid"`
	Job    *jobMetadata       `json:"job,omitempty"`
	Errors []output.JSONError `json:"errors,omitempty"`
}

// jobMetadata summarizes a successfully parsed definition.
type jobMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
	Triggers    string `json:"triggers"`
	Group       string `json:"group,omitempty"`
}

func runValidate(cmd *cobra.Command, paths []string) error {
	results := make([]fileResult, 0, len(paths))
	validCount := 0
	for _, path := range paths {
		result := validateFile(path)
		if result.Valid {
			validCount++
		}
		results = append(results, result)
	}

	if shared.GetJSON() {
		type validateResponse struct {
			output.JSONResponse
			Files []fileResult `json:"files"`
		}
		envelope := output.Failed("validate")
		if validCount == len(paths) {
			envelope = output.OK("validate")
		}
		resp := validateResponse{
			JSONResponse: envelope,
			Files:        results,
		}
		if err := output.EmitJSON(resp); err != nil {
			return err
		}
	} else {
		printResults(cmd, results, validCount)
	}

	if validCount < len(paths) {
		return &shared.ExitError{Code: shared.ExitInvalidJob, Message: "validation failed"}
	}
	return nil
}

// validateFile runs the validation stages for one file: read, YAML
// syntax, then definition parsing (which covers schema and semantic
// constraints).
func validateFile(path string) fileResult {
	result := fileResult{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Errors = append(result.Errors, output.JSONError{
			Code:       shared.ErrorCodeFileNotFound,
			Message:    fmt.Sprintf("failed to read file: %v", err),
			Suggestion: "Check that the file path is correct and the file exists",
		})
		return result
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		jsonErr := output.JSONError{
			Code:       shared.ErrorCodeInvalidYAML,
			Message:    fmt.Sprintf("YAML syntax error: %v", err),
			Suggestion: "Check YAML syntax and indentation",
		}
		if line := extractYAMLErrorLine(err); line > 0 {
			jsonErr.Location = &output.JSONLocation{Line: line}
		}
		result.Errors = append(result.Errors, jsonErr)
		return result
	}

	def, err := job.ParseDefinition(data)
	if err != nil {
		jsonErr := output.JSONError{
			Code:    shared.ErrorCodeSchemaViolation,
			Message: err.Error(),
		}
		var valErr *errors.ValidationError
		if errors.As(err, &valErr) {
			jsonErr.Suggestion = valErr.Suggestion
		}
		result.Errors = append(result.Errors, jsonErr)
		return result
	}

	result.Valid = true
	result.Job = &jobMetadata{
		Name:        def.Name,
		Description: def.Description,
		Steps:       len(def.Steps),
		Triggers:    def.TriggerSummary(),
		Group:       def.ConcurrencyGroup(),
	}
	return result
}

// printResults renders a table of valid files, error details for the
// rest, and a summary line.
func printResults(cmd *cobra.Command, results []fileResult, validCount int) {
	rows := [][]string{{"FILE", "JOB", "STEPS", "TRIGGERS"}}
	for _, r := range results {
		if r.Valid {
			rows = append(rows, []string{
				r.Path,
				r.Job.Name,
				strconv.Itoa(r.Job.Steps),
				r.Job.Triggers,
			})
		}
	}
	if len(rows) > 1 {
		cmd.Print(format.Table(rows))
	}

	for _, r := range results {
		if r.Valid {
			continue
		}
		for _, ve := range r.Errors {
			if ve.Location != nil && ve.Location.Line > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s:%d: error: %s\n", r.Path, ve.Location.Line, ve.Message)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %s\n", r.Path, ve.Message)
			}
			if ve.Suggestion != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "  Suggestion: %s\n", ve.Suggestion)
			}
		}
	}

	if len(results) > 1 {
		cmd.Printf("\n%d of %d files valid\n", validCount, len(results))
	}
}

// extractYAMLErrorLine pulls a line number out of a yaml.v3 error when
// one is present. Plain errors look like "yaml: line 3: ..."; type
// errors carry "line 3: ..." entries.
func extractYAMLErrorLine(err error) int {
	var line int
	if typeErr, ok := err.(*yaml.TypeError); ok {
		if len(typeErr.Errors) > 0 {
			if _, scanErr := fmt.Sscanf(typeErr.Errors[0], "line %d:", &line); scanErr == nil {
				return line
			}
		}
		return 0
	}
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr == nil {
		return line
	}
	return 0
}
