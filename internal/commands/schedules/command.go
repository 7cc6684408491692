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

package schedules

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

// NewCommand creates the schedules command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and control cron schedules",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Long: `Schedules shows the cron triggers the daemon derives from loaded job
definitions. A disabled schedule stays loaded but stops firing until it
is enabled again. Dispatching a job manually works either way.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newEnableCommand())
	cmd.AddCommand(newDisableCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron schedules",
		Args:  cobra.NoArgs,
		Example: `  # Example 1: List all schedules
  upkeep schedules list

  # Example 2: Disabled schedules only
  upkeep schedules list --jq '.schedules[] | select(.enabled | not) | .name'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := shared.NewClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if jqExpr != "" {
				raw, err := api.Get(ctx, "/v1/schedules")
				if err != nil {
					return shared.WrapDaemonError(err)
				}
				return shared.ApplyJQ(ctx, jqExpr, raw)
			}

			scheds, err := api.Schedules(ctx)
			if err != nil {
				return shared.WrapDaemonError(err)
			}

			if shared.GetJSON() {
				type listResponse struct {
					output.JSONResponse
					Schedules []client.Schedule `json:"schedules"`
					Count     int               `json:"count"`
				}
				return output.EmitJSON(listResponse{
					JSONResponse: output.OK("schedules list"),
					Schedules:    scheds,
					Count:        len(scheds),
				})
			}

			if len(scheds) == 0 {
				cmd.Println("No schedules. Jobs without an 'on.schedule' trigger run on dispatch only.")
				return nil
			}

			rows := [][]string{{"NAME", "JOB", "CRON", "ENABLED", "NEXT RUN", "LAST RUN", "RUNS", "ERRORS"}}
			for _, s := range scheds {
				nextRun := "-"
				if s.Enabled {
					nextRun = format.Until(s.NextRun)
				}
				lastRun := "-"
				if s.LastRun != nil {
					lastRun = format.Age(*s.LastRun)
				}
				rows = append(rows, []string{
					s.Name,
					s.Job,
					s.Cron,
					enabledLabel(s.Enabled),
					nextRun,
					lastRun,
					strconv.FormatInt(s.RunCount, 10),
					strconv.FormatInt(s.ErrorCount, 10),
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
		Short:             "Show a schedule's details",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteScheduleNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			api, err := shared.NewClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if jqExpr != "" {
				raw, err := api.Get(ctx, "/v1/schedules/"+name)
				if err != nil {
					return shared.WrapDaemonError(err)
				}
				return shared.ApplyJQ(ctx, jqExpr, raw)
			}

			sched, err := api.Schedule(ctx, name)
			if err != nil {
				return shared.WrapDaemonError(err)
			}

			if shared.GetJSON() {
				return output.EmitJSON(sched)
			}

			cmd.Printf("Name:     %s\n", sched.Name)
			cmd.Printf("Job:      %s\n", sched.Job)
			cmd.Printf("Cron:     %s\n", sched.Cron)
			if sched.Timezone != "" {
				cmd.Printf("Timezone: %s\n", sched.Timezone)
			}
			cmd.Printf("Enabled:  %s\n", enabledLabel(sched.Enabled))
			if sched.Enabled {
				cmd.Printf("Next run: %s (%s)\n", sched.NextRun.Format("2006-01-02 15:04:05 MST"), format.Until(sched.NextRun))
			}
			if sched.LastRun != nil {
				cmd.Printf("Last run: %s (%s ago)\n", sched.LastRun.Format("2006-01-02 15:04:05 MST"), format.Age(*sched.LastRun))
			}
			cmd.Printf("Runs:     %d (%d errors)\n", sched.RunCount, sched.ErrorCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the JSON response with a jq expression")

	return cmd
}

func newEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "enable <name>",
		Short:             "Resume cron triggering for a schedule",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteScheduleNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setEnabled(cmd, args[0], true)
		},
	}
}

func newDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Pause cron triggering for a schedule",
		Long: `Disable stops a schedule from firing. The job definition stays loaded
and manual dispatch keeps working. Use this to quiesce a noisy job
without editing its file.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteScheduleNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setEnabled(cmd, args[0], false)
		},
	}
}

func setEnabled(cmd *cobra.Command, name string, enabled bool) error {
	api, err := shared.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	verb, past := "enable", "enabled"
	if enabled {
		err = api.EnableSchedule(ctx, name)
	} else {
		verb, past = "disable", "disabled"
		err = api.DisableSchedule(ctx, name)
	}
	if err != nil {
		return shared.WrapDaemonError(err)
	}

	if shared.GetJSON() {
		type enableResponse struct {
			output.JSONResponse
			Schedule string `json:"schedule"`
			Enabled  bool   `json:"enabled"`
		}
		return output.EmitJSON(enableResponse{
			JSONResponse: output.OK("schedules " + verb),
			Schedule:     name,
			Enabled:      enabled,
		})
	}

	cmd.Printf("%s\n", shared.RenderOK(fmt.Sprintf("Schedule %s %s", name, past)))
	return nil
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "yes"
	}
	return "no"
}
