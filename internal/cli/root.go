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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for Upkeep
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upkeep",
		Short: "Upkeep - scheduled maintenance jobs for source repositories",
		Long: `Upkeep runs recurring maintenance jobs against source repositories:
checking out code, running containerized build and indexing steps, and
publishing the results. Jobs are declared in YAML files and executed on
a cron schedule by the upkeep daemon, or dispatched on demand.

Run 'upkeep init' to scaffold a new job definition.
Run 'upkeep run <file>' to execute a job locally without the daemon.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	// Get flag pointers from shared package
	verbose, quiet, json, config, socket, apiKey := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.upkeep/config.yaml)")
	cmd.PersistentFlags().StringVar(socket, "socket", "", "Path to the daemon unix socket (default: $XDG_RUNTIME_DIR/upkeep/upkeep.sock)")
	cmd.PersistentFlags().StringVar(apiKey, "api-key", "", "API key for daemon requests (overrides UPKEEP_API_KEY and the keychain)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
