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

package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/cli/format"
	"github.com/upkeep-run/upkeep/internal/client"
	"github.com/upkeep-run/upkeep/internal/commands/completion"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/internal/output"
)

const requestTimeout = 30 * time.Second

// NewCommand creates the jobs command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List and inspect jobs loaded by the daemon",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Long: `Jobs shows the job definitions the daemon has loaded from its jobs
directory. Definitions are reloaded automatically when files change.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded jobs",
		Args:  cobra.NoArgs,
		Example: `  # Example 1: List all jobs
  upkeep jobs list

  # Example 2: Names only
  upkeep jobs list --jq '.jobs[].name'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := shared.NewClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if jqExpr != "" {
				raw, err := api.Get(ctx, "/v1/jobs")
				if err != nil {
					return shared.WrapDaemonError(err)
				}
				return shared.ApplyJQ(ctx, jqExpr, raw)
			}

			jobs, err := api.Jobs(ctx)
			if err != nil {
				return shared.WrapDaemonError(err)
			}

			if shared.GetJSON() {
				type listResponse struct {
					output.JSONResponse
					Jobs  []client.JobSummary `json:"jobs"`
					Count int                 `json:"count"`
				}
				return output.EmitJSON(listResponse{
					JSONResponse: output.OK("jobs list"),
					Jobs:         jobs,
					Count:        len(jobs),
				})
			}

			if len(jobs) == 0 {
				cmd.Println("No jobs loaded.")
				return nil
			}

			rows := [][]string{{"NAME", "STEPS", "GROUP", "TRIGGERS", "DESCRIPTION"}}
			for _, j := range jobs {
				rows = append(rows, []string{
					j.Name,
					strconv.Itoa(j.Steps),
					orDash(j.Group),
					orDash(j.Triggers),
					orDash(format.Truncate(j.Description, 40)),
				})
			}
			cmd.Print(format.Table(rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the JSON response with a jq expression")

	return cmd
}

func newGetCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:               "get <name>",
		Short:             "Show a job's full definition",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobNames,
		Example: `  # Example 1: Inspect a job
  upkeep jobs get codebrowser

  # Example 2: Extract its cron schedules
  upkeep jobs get codebrowser --jq '.on.schedule[].cron'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			api, err := shared.NewClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if jqExpr != "" {
				raw, err := api.Get(ctx, "/v1/jobs/"+name)
				if err != nil {
					return shared.WrapDaemonError(err)
				}
				return shared.ApplyJQ(ctx, jqExpr, raw)
			}

			def, err := api.Job(ctx, name)
			if err != nil {
				return shared.WrapDaemonError(err)
			}

			if shared.GetJSON() {
				return output.EmitJSON(def)
			}

			cmd.Printf("Name:        %s\n", def.Name)
			if def.Description != "" {
				cmd.Printf("Description: %s\n", def.Description)
			}
			cmd.Printf("Triggers:    %s\n", def.TriggerSummary())
			if group := def.ConcurrencyGroup(); group != "" {
				cmd.Printf("Group:       %s\n", group)
			}
			cmd.Printf("Steps:       %d\n", len(def.Steps))
			for i, step := range def.Steps {
				action := step.Uses
				if action == "" {
					action = "run"
				}
				label := step.ID
				if step.Name != "" {
					label = fmt.Sprintf("%s (%s)", step.ID, step.Name)
				}
				cmd.Printf("  %d. %s [%s]\n", i+1, label, action)
			}
			if dispatch := def.On.Dispatch; dispatch != nil && len(dispatch.Inputs) > 0 {
				cmd.Printf("Inputs:      %d declared (see 'upkeep dispatch %s --help-inputs')\n", len(dispatch.Inputs), def.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the JSON response with a jq expression")

	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
