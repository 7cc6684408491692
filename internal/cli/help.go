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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/internal/output"
)

const docsBaseURL = "https://upkeep-run.github.io/upkeep"

// CommandMetadata describes one command for machine-readable help.
type CommandMetadata struct {
	Name        string         `json:"name"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Flags       []FlagMetadata `json:"flags,omitempty"`
	Examples    string         `json:"examples,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
	Group       string         `json:"group,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
}

// FlagMetadata describes one flag for machine-readable help.
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required"`
}

// HelpResponse is the JSON envelope for the help command.
type HelpResponse struct {
	output.JSONResponse
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Command     *CommandMetadata  `json:"command,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
	DocsURL     string            `json:"docs_url"`
}

// NewHelpCommand creates the help command. Install it with
// rootCmd.SetHelpCommand so it replaces cobra's default.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Help for any command",
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Long: `Help shows detailed usage for upkeep commands.

Run 'upkeep help' to list all commands.
Run 'upkeep help <command>' for a specific command.
With --json the output is a machine-readable command catalog, covering
subcommands, flags, defaults, and examples, for scripts and tooling
that drive upkeep.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if shared.GetJSON() {
					return emitAllCommands(cmd.OutOrStdout(), rootCmd)
				}
				return rootCmd.Help()
			}

			targetCmd, _, err := rootCmd.Find(args)
			if err != nil {
				return fmt.Errorf("command %q not found", strings.Join(args, " "))
			}

			if shared.GetJSON() {
				return emitCommand(cmd.OutOrStdout(), targetCmd, rootCmd)
			}
			return targetCmd.Help()
		},
	}
}

func emitAllCommands(w io.Writer, rootCmd *cobra.Command) error {
	commands := []CommandMetadata{}
	for _, c := range rootCmd.Commands() {
		if c.Hidden {
			continue
		}
		commands = append(commands, commandMetadata(c))
	}

	return encodeHelp(w, HelpResponse{
		JSONResponse: output.OK("help"),
		Commands:     commands,
		GlobalFlags:  flagMetadata(rootCmd.PersistentFlags()),
		DocsURL:      docsBaseURL + "/reference/cli/",
	})
}

func emitCommand(w io.Writer, targetCmd, rootCmd *cobra.Command) error {
	metadata := commandMetadata(targetCmd)

	return encodeHelp(w, HelpResponse{
		JSONResponse: output.OK("help " + targetCmd.Name()),
		Command:      &metadata,
		GlobalFlags:  flagMetadata(rootCmd.PersistentFlags()),
		DocsURL:      docsBaseURL + "/reference/cli/",
	})
}

func encodeHelp(w io.Writer, resp HelpResponse) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}

// commandMetadata extracts the metadata of one cobra command.
func commandMetadata(cmd *cobra.Command) CommandMetadata {
	metadata := CommandMetadata{
		Name:     cmd.Name(),
		Short:    cmd.Short,
		Long:     cmd.Long,
		Usage:    cmd.UseLine(),
		Examples: cmd.Example,
		Aliases:  cmd.Aliases,
	}

	if cmd.Annotations != nil {
		metadata.Group = cmd.Annotations["group"]
	}

	if flags := flagMetadata(cmd.Flags()); len(flags) > 0 {
		metadata.Flags = flags
	}

	subcommands := []string{}
	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			subcommands = append(subcommands, sub.Name())
		}
	}
	if len(subcommands) > 0 {
		metadata.Subcommands = subcommands
	}

	return metadata
}

// flagMetadata extracts the visible flags of one flag set. Required is
// read from the annotation MarkFlagRequired records.
func flagMetadata(fs *pflag.FlagSet) []FlagMetadata {
	flags := []FlagMetadata{}
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden {
			return
		}
		flags = append(flags, FlagMetadata{
			Name:      flag.Name,
			Shorthand: flag.Shorthand,
			Usage:     flag.Usage,
			Default:   flag.DefValue,
			Required:  len(flag.Annotations[cobra.BashCompOneRequiredFlag]) > 0,
		})
	})
	return flags
}
