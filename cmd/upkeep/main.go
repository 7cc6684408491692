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

package main

import (
	"github.com/upkeep-run/upkeep/internal/cli"
	authcmd "github.com/upkeep-run/upkeep/internal/commands/auth"
	"github.com/upkeep-run/upkeep/internal/commands/completion"
	"github.com/upkeep-run/upkeep/internal/commands/dispatch"
	"github.com/upkeep-run/upkeep/internal/commands/initcmd"
	"github.com/upkeep-run/upkeep/internal/commands/jobs"
	"github.com/upkeep-run/upkeep/internal/commands/run"
	"github.com/upkeep-run/upkeep/internal/commands/runs"
	"github.com/upkeep-run/upkeep/internal/commands/schedules"
	"github.com/upkeep-run/upkeep/internal/commands/validate"
	versioncmd "github.com/upkeep-run/upkeep/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	// Create root command and add subcommands
	rootCmd := cli.NewRootCommand()

	// Local execution commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(initcmd.NewCommand())

	// Daemon-backed commands
	rootCmd.AddCommand(jobs.NewCommand())
	rootCmd.AddCommand(dispatch.NewCommand())
	rootCmd.AddCommand(runs.NewCommand())
	rootCmd.AddCommand(schedules.NewCommand())

	// Credentials
	rootCmd.AddCommand(authcmd.NewCommand())

	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
