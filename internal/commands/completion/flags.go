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

package completion

import (
	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/templates"
)

// CompleteRunStatus provides completion for --status flag values.
func CompleteRunStatus(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		statuses := []string{
			"queued\tRun is waiting to start",
			"pending\tRun is parked behind its concurrency group",
			"running\tRun is currently executing",
			"completed\tRun finished successfully",
			"failed\tRun failed with an error",
			"cancelled\tRun was cancelled",
			"superseded\tRun was replaced by a newer dispatch",
		}
		return statuses, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteTemplates provides completion for the init --template flag.
func CompleteTemplates(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return safeWrapper(func() ([]string, cobra.ShellCompDirective) {
		available, err := templates.List()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		completions := make([]string, 0, len(available))
		for _, tmpl := range available {
			completions = append(completions, tmpl.Name+"\t"+tmpl.Description)
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})
}
