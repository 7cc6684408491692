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

package runs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/cli/format"
	"github.com/upkeep-run/upkeep/internal/client"
	"github.com/upkeep-run/upkeep/internal/commands/completion"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/internal/output"
	"github.com/upkeep-run/upkeep/pkg/errors"
)

const requestTimeout = 30 * time.Second

// NewCommand creates the runs command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List, inspect, and manage runs",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Long: `Runs are job executions recorded by the daemon, whether triggered by a
cron schedule or a manual dispatch. Finished runs are kept until pruned
by retention or 'upkeep runs prune'.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newLogsCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newPruneCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var status string
	var jobName string
	var limit int
	var failed bool
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		Example: `  # Example 1: Recent runs
  upkeep runs list

  # Example 2: Running right now
  upkeep runs list --status running

  # Example 3: Failed runs of one job (shorthand)
  upkeep runs list --job codebrowser --failed

  # Example 4: IDs of failed runs
  upkeep runs list --failed --jq '.runs[].id'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// --failed is shorthand for --status failed
			if failed {
				status = "failed"
			}
			return runsList(cmd, client.RunFilter{Status: status, Job: jobName, Limit: limit}, jqExpr)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued, pending, running, completed, failed, cancelled, superseded)")
	cmd.Flags().StringVar(&jobName, "job", "", "Filter by job name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&failed, "failed", false, "Show only failed runs (shorthand for --status failed)")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the JSON response with a jq expression")

	_ = cmd.RegisterFlagCompletionFunc("status", completion.CompleteRunStatus)
	_ = cmd.RegisterFlagCompletionFunc("job", completion.CompleteJobNames)

	return cmd
}

func runsList(cmd *cobra.Command, filter client.RunFilter, jqExpr string) error {
	api, err := shared.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	if jqExpr != "" {
		raw, err := api.Get(ctx, "/v1/runs?"+filterQuery(filter))
		if err != nil {
			return shared.WrapDaemonError(err)
		}
		return shared.ApplyJQ(ctx, jqExpr, raw)
	}

	runs, err := api.Runs(ctx, filter)
	if err != nil {
		return shared.WrapDaemonError(err)
	}

	if shared.GetJSON() {
		type listResponse struct {
			output.JSONResponse
			Runs  []client.Run `json:"runs"`
			Count int          `json:"count"`
		}
		return output.EmitJSON(listResponse{
			JSONResponse: output.OK("runs list"),
			Runs:         runs,
			Count:        len(runs),
		})
	}

	if len(runs) == 0 {
		cmd.Println("No runs found.")
		return nil
	}

	rows := [][]string{{"ID", "JOB", "STATUS", "TRIGGER", "STARTED", "DURATION"}}
	for _, r := range runs {
		started := "-"
		if r.StartedAt != nil {
			started = format.Age(*r.StartedAt) + " ago"
		}
		rows = append(rows, []string{
			r.ID,
			r.Job,
			shared.RenderStatus(r.Status),
			orDash(r.Trigger),
			started,
			runDuration(r),
		})
	}
	cmd.Print(format.Table(rows))
	return nil
}

func newGetCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:               "get <run-id>",
		Short:             "Show run details",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteRunIDs,
		Example: `  # Example 1: Show a run
  upkeep runs get 9f31c2d8

  # Example 2: Extract the run status
  upkeep runs get 9f31c2d8 --jq '.status'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsGet(cmd, args[0], jqExpr)
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the JSON response with a jq expression")

	return cmd
}

func runsGet(cmd *cobra.Command, id, jqExpr string) error {
	api, err := shared.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	if jqExpr != "" {
		raw, err := api.Get(ctx, "/v1/runs/"+id)
		if err != nil {
			return shared.WrapDaemonError(notFoundHint(id, err))
		}
		return shared.ApplyJQ(ctx, jqExpr, raw)
	}

	run, err := api.Run(ctx, id)
	if err != nil {
		return shared.WrapDaemonError(notFoundHint(id, err))
	}

	if shared.GetJSON() {
		return output.EmitJSON(run)
	}

	cmd.Printf("Run ID:    %s\n", run.ID)
	cmd.Printf("Job:       %s\n", run.Job)
	cmd.Printf("Status:    %s\n", shared.RenderStatus(run.Status))
	if run.Trigger != "" {
		cmd.Printf("Trigger:   %s\n", run.Trigger)
	}
	if run.Group != "" {
		cmd.Printf("Group:     %s\n", run.Group)
	}
	cmd.Printf("Created:   %s\n", run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if run.StartedAt != nil {
		cmd.Printf("Started:   %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if run.CompletedAt != nil {
		cmd.Printf("Completed: %s\n", run.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if d := runDuration(*run); d != "-" {
		cmd.Printf("Duration:  %s\n", d)
	}
	if run.Error != "" {
		cmd.Printf("Error:     %s\n", run.Error)
	}

	if len(run.Inputs) > 0 {
		keys := make([]string, 0, len(run.Inputs))
		for k := range run.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Println("Inputs:")
		for _, k := range keys {
			cmd.Printf("  %s: %v\n", k, run.Inputs[k])
		}
	}

	if len(run.Steps) > 0 {
		cmd.Println("Steps:")
		rows := [][]string{{"  ID", "STATUS", "DURATION", "EXIT"}}
		for _, step := range run.Steps {
			exit := "-"
			if step.ExitCode != 0 {
				exit = strconv.Itoa(step.ExitCode)
			}
			rows = append(rows, []string{
				"  " + step.ID,
				shared.RenderStatus(string(step.Status)),
				format.Duration(step.Duration),
				exit,
			})
		}
		cmd.Print(format.Table(rows))
		for _, step := range run.Steps {
			if step.Error != "" {
				cmd.Printf("  %s: %s\n", step.ID, step.Error)
			}
		}
	}

	return nil
}

func newLogsCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:               "logs <run-id>",
		Short:             "View run logs",
		Long:              `Logs prints the captured output of a run. Use -f to stream logs until the run completes.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsLogs(cmd, args[0], follow)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output until the run completes")

	return cmd
}

func runsLogs(cmd *cobra.Command, id string, follow bool) error {
	api, err := shared.NewClient()
	if err != nil {
		return err
	}

	if follow {
		// No timeout: the stream stays open for as long as the run does.
		err := api.FollowRunLogs(cmd.Context(), id, func(ev client.LogEvent) error {
			if ev.Done {
				if !shared.GetQuiet() {
					cmd.PrintErrf("Run %s %s\n", id, shared.RenderStatus(ev.Status))
				}
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), ev.Line)
			return nil
		})
		if err != nil {
			return shared.WrapDaemonError(notFoundHint(id, err))
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	lines, err := api.RunLogs(ctx, id)
	if err != nil {
		return shared.WrapDaemonError(notFoundHint(id, err))
	}

	if len(lines) == 0 {
		cmd.Println("No logs captured.")
		return nil
	}
	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func newCancelCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a queued or running run",
		Long: `Cancel stops a run. Steps guarded with 'if: always()' still execute so
cleanup work is never skipped. With --wait, the command blocks until those
cleanup steps finish and the run reaches a terminal status.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteActiveRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsCancel(cmd, args[0], wait)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the run reaches a terminal status")

	return cmd
}

func runsCancel(cmd *cobra.Command, id string, wait bool) error {
	api, err := shared.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	if err := api.CancelRun(ctx, id); err != nil {
		return shared.WrapDaemonError(notFoundHint(id, err))
	}

	status := "cancelled"
	if wait {
		status, err = waitForTerminal(cmd, api, id)
		if err != nil {
			return err
		}
	}

	if shared.GetJSON() {
		type cancelResponse struct {
			output.JSONResponse
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		}
		return output.EmitJSON(cancelResponse{
			JSONResponse: output.OK("runs cancel"),
			RunID:        id,
			Status:       status,
		})
	}

	cmd.Printf("%s\n", shared.RenderOK(fmt.Sprintf("Run %s %s", id, status)))
	return nil
}

// waitForTerminal polls a cancelled run until it settles. Cancellation is
// not instant: a running run keeps executing its 'if: always()' steps for
// the duration of the cancel grace window.
func waitForTerminal(cmd *cobra.Command, api *client.Client, id string) (string, error) {
	sp := shared.NewSpinner()
	sp.Start(fmt.Sprintf("Cancelling run %s", id))
	defer sp.Stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	cleanup := false
	for {
		select {
		case <-cmd.Context().Done():
			return "", cmd.Context().Err()
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		run, err := api.Run(ctx, id)
		cancel()
		if err != nil {
			return "", shared.WrapDaemonError(err)
		}

		if run.Status == "running" && !cleanup {
			sp.Update(fmt.Sprintf("Run %s finishing cleanup steps", id))
			cleanup = true
		}
		if terminalStatus(run.Status) {
			return run.Status, nil
		}
	}
}

func terminalStatus(s string) bool {
	switch s {
	case "completed", "failed", "cancelled", "superseded":
		return true
	}
	return false
}

func newPruneCommand() *cobra.Command {
	var olderThan time.Duration
	var yes bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than a given age",
		Long: `Prune deletes finished runs and their captured logs. Queued and running
runs are never touched. The daemon also prunes on its own retention
schedule; this command forces a pass with a custom age.`,
		Example: `  # Example 1: Drop runs older than 30 days (the default)
  upkeep runs prune

  # Example 2: Keep only the last 48 hours
  upkeep runs prune --older-than 48h --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsPrune(cmd, olderThan, yes)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 720*time.Hour, "Delete finished runs older than this age")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func runsPrune(cmd *cobra.Command, olderThan time.Duration, yes bool) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	if !yes {
		ok, err := shared.Confirm(fmt.Sprintf("Delete finished runs older than %s?", olderThan))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("prune aborted (pass --yes to skip confirmation)")
		}
	}

	api, err := shared.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	result, err := api.PruneRuns(ctx, olderThan)
	if err != nil {
		return shared.WrapDaemonError(err)
	}

	if shared.GetJSON() {
		type pruneResponse struct {
			output.JSONResponse
			Runs int `json:"runs"`
			Logs int `json:"logs"`
		}
		return output.EmitJSON(pruneResponse{
			JSONResponse: output.OK("runs prune"),
			Runs:         result.Runs,
			Logs:         result.Logs,
		})
	}

	cmd.Printf("%s\n", shared.RenderOK(fmt.Sprintf("Pruned %d runs and %d log files", result.Runs, result.Logs)))
	return nil
}

// filterQuery renders a RunFilter as URL query parameters.
func filterQuery(filter client.RunFilter) string {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Job != "" {
		q.Set("job", filter.Job)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	return q.Encode()
}

// notFoundHint turns the daemon's 404 into a friendlier message.
func notFoundHint(id string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("run %q not found (see 'upkeep runs list')", id)
	}
	return err
}

// runDuration formats how long a run took, or has been running so far.
func runDuration(r client.Run) string {
	if r.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return format.Duration(end.Sub(*r.StartedAt))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
