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

package run

import (
	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/commands/completion"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		inputs     []string
		inputFile  string
		workDir    string
		keepTemp   bool
		helpInputs bool
	)

	cmd := &cobra.Command{
		Use:   "run <job-file>",
		Short: "Execute a job definition locally",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run executes a job definition on this machine, without the daemon.

Steps run sequentially in a scratch working directory that is removed
when the run finishes. Step output streams to stdout as it is produced.

Inputs:
  Jobs that declare dispatch inputs accept them with --input key=value.
  Values are converted to the declared type (string, number, boolean)
  and validated before the run starts.

Working Directory:
  By default each run gets a fresh temporary working directory. Use
  --workdir to run in a fixed location (for example to reuse an earlier
  checkout), or --keep-temp to inspect the directory after the run.

Examples:
  1. Run a job with its default inputs:
     upkeep run codebrowser.yaml

  2. Override a dispatch input:
     upkeep run codebrowser.yaml --input ref=v24.8.1.2684-lts

  3. Reuse a working directory across runs:
     upkeep run codebrowser.yaml --workdir /var/lib/upkeep/woboq

  4. List the inputs a job accepts:
     upkeep run codebrowser.yaml --help-inputs`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(args[0], localOptions{
				inputArgs:  inputs,
				inputFile:  inputFile,
				workDir:    workDir,
				keepTemp:   keepTemp,
				helpInputs: helpInputs,
			})
		},
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Dispatch input in key=value format")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with inputs (use '-' for stdin)")
	cmd.Flags().StringVar(&workDir, "workdir", "", "Working directory for steps (default: fresh temp directory)")
	cmd.Flags().BoolVar(&keepTemp, "keep-temp", false, "Keep the temporary working directory after the run")
	cmd.Flags().BoolVar(&helpInputs, "help-inputs", false, "List the job's dispatch inputs without running")

	return cmd
}
