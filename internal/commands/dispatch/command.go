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

package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/client"
	"github.com/upkeep-run/upkeep/internal/commands/completion"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/internal/output"
	"github.com/upkeep-run/upkeep/pkg/errors"
)

const requestTimeout = 30 * time.Second

type dispatchOptions struct {
	inputArgs  []string
	inputFile  string
	follow     bool
	helpInputs bool
}

// NewCommand creates the dispatch command
func NewCommand() *cobra.Command {
	var opts dispatchOptions

	cmd := &cobra.Command{
		Use:   "dispatch <job>",
		Short: "Trigger a manual run of a job on the daemon",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Long: `Dispatch queues a manual run of a job the daemon has loaded. Inputs are
validated against the job's dispatch declaration; declared defaults fill
in anything not provided.

Jobs in a concurrency group run one at a time. Dispatching while an
older run is still queued replaces it: the queued run is marked
superseded and only the newest dispatch executes.`,
		Example: `  # Example 1: Dispatch with defaults
  upkeep dispatch codebrowser

  # Example 2: Override an input
  upkeep dispatch codebrowser --input ref=v24.8.1.2684-lts

  # Example 3: Dispatch and stream logs until the run completes
  upkeep dispatch codebrowser --follow

  # Example 4: Show the job's declared inputs
  upkeep dispatch codebrowser --help-inputs`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.inputArgs, "input", "i", nil, "Set a dispatch input (key=value, repeatable)")
	cmd.Flags().StringVar(&opts.inputFile, "input-file", "", "Load inputs from a JSON file (use '-' for stdin)")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Stream run logs until the run completes")
	cmd.Flags().BoolVar(&opts.helpInputs, "help-inputs", false, "Show the job's dispatch inputs and exit")

	return cmd
}

func runDispatch(cmd *cobra.Command, name string, opts dispatchOptions) error {
	api, err := shared.NewClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	// The definition drives input coercion: the daemon rejects a string
	// where a number input is declared, so convert before submitting.
	def, err := api.Job(ctx, name)
	if err != nil {
		return shared.WrapDaemonError(classifyAPIError(name, err))
	}

	if opts.helpInputs {
		shared.PrintJobInputs(cmd.OutOrStdout(), def)
		return nil
	}

	inputs, err := shared.ParseJobInputs(def, opts.inputArgs, opts.inputFile)
	if err != nil {
		return shared.NewMissingInputError("failed to parse inputs", err)
	}

	run, err := api.Dispatch(ctx, name, inputs)
	if err != nil {
		return shared.WrapDaemonError(classifyAPIError(name, err))
	}

	if shared.GetJSON() && !opts.follow {
		type dispatchResponse struct {
			output.JSONResponse
			RunID  string `json:"run_id"`
			Job    string `json:"job"`
			Status string `json:"status"`
			Group  string `json:"group,omitempty"`
		}
		return output.EmitJSON(dispatchResponse{
			JSONResponse: output.OK("dispatch"),
			RunID:        run.ID,
			Job:          run.Job,
			Status:       run.Status,
			Group:        run.Group,
		})
	}

	if !shared.GetQuiet() {
		cmd.Printf("%s\n", shared.RenderOK(fmt.Sprintf("Dispatched %s (run %s)", run.Job, run.ID)))
	}

	if !opts.follow {
		if !shared.GetQuiet() {
			cmd.Printf("Follow logs with: upkeep runs logs %s --follow\n", run.ID)
		}
		return nil
	}

	return followRun(cmd, api, run.ID)
}

// followRun streams the run's logs until it reaches a terminal status.
// The request context deliberately has no timeout; a woboq build holds
// the stream open for hours.
func followRun(cmd *cobra.Command, api *client.Client, runID string) error {
	sp := shared.NewSpinner()
	sp.Start(fmt.Sprintf("Run %s queued", runID))
	spinning := true

	var finalStatus string
	err := api.FollowRunLogs(cmd.Context(), runID, func(ev client.LogEvent) error {
		if spinning {
			sp.Stop()
			spinning = false
		}
		if ev.Done {
			finalStatus = ev.Status
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), ev.Line)
		return nil
	})
	if spinning {
		sp.Stop()
	}
	if err != nil {
		return shared.WrapDaemonError(err)
	}

	switch finalStatus {
	case "completed":
		if !shared.GetQuiet() {
			cmd.Printf("%s\n", shared.RenderOK(fmt.Sprintf("Run %s completed", runID)))
		}
		return nil
	case "superseded":
		return shared.NewRunFailedError(fmt.Sprintf("run %s superseded by a newer dispatch", runID), nil)
	case "cancelled":
		return shared.NewRunFailedError(fmt.Sprintf("run %s cancelled", runID), nil)
	default:
		return shared.NewRunFailedError(fmt.Sprintf("run %s failed", runID), nil)
	}
}

// classifyAPIError maps daemon HTTP errors onto the CLI's exit codes.
func classifyAPIError(name string, err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Status {
	case http.StatusNotFound:
		return shared.NewInvalidJobError(fmt.Sprintf("job %q is not loaded by the daemon (try 'upkeep jobs list')", name), nil)
	case http.StatusBadRequest:
		return shared.NewMissingInputError(apiErr.Message, nil)
	case http.StatusServiceUnavailable:
		return shared.NewDaemonUnavailableError("daemon is draining, retry shortly", err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("dispatch rate limit exceeded: %s", apiErr.Message)
	case http.StatusForbidden:
		return fmt.Errorf("not permitted: %s", apiErr.Message)
	}
	return err
}
