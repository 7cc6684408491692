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

// Package initcmd scaffolds new job definition files from embedded
// templates, interactively or from flags.
package initcmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/cli/format"
	"github.com/upkeep-run/upkeep/internal/commands/completion"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/internal/templates"
	"github.com/upkeep-run/upkeep/pkg/job"
	"github.com/upkeep-run/upkeep/pkg/job/cron"
)

type initOptions struct {
	template string
	vars     []string
	output   string
	force    bool
	list     bool
}

// NewCommand creates the init command
func NewCommand() *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Scaffold a new job definition",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Init writes a new job definition file from a template. Without flags it
walks through the choices interactively; with --template it scaffolds
directly, which suits scripts and CI.`,
		Example: `  # Example 1: Interactive scaffold
  upkeep init

  # Example 2: Scaffold a scheduled build job without prompts
  upkeep init codebrowser --template checkout-build \
    --var url=https://github.com/ClickHouse/ClickHouse.git \
    --var cron='0 */18 * * *'

  # Example 3: List available templates
  upkeep init --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.list {
				return listTemplates(cmd)
			}
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			if opts.template != "" {
				return scaffold(cmd, name, opts)
			}
			return runInteractive(cmd, name, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.template, "template", "t", "", "Template to scaffold from (skips prompts)")
	cmd.Flags().StringSliceVar(&opts.vars, "var", nil, "Set a template placeholder (key=value, repeatable)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file (default: <name>.yaml)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite the output file if it exists")
	cmd.Flags().BoolVar(&opts.list, "list", false, "List available templates")

	_ = cmd.RegisterFlagCompletionFunc("template", completion.CompleteTemplates)

	return cmd
}

func listTemplates(cmd *cobra.Command) error {
	available, err := templates.List()
	if err != nil {
		return err
	}

	rows := [][]string{{"NAME", "CATEGORY", "PLACEHOLDERS", "DESCRIPTION"}}
	for _, tmpl := range available {
		vars := "-"
		if len(tmpl.Vars) > 0 {
			vars = strings.Join(tmpl.Vars, ", ")
		}
		rows = append(rows, []string{tmpl.Name, tmpl.Category, vars, tmpl.Description})
	}
	cmd.Print(format.Table(rows))
	return nil
}

// scaffold renders a template without prompting. Used directly for the
// flag path and as the final stage of the interactive path.
func scaffold(cmd *cobra.Command, name string, opts initOptions) error {
	if name == "" {
		return fmt.Errorf("a job name is required with --template (usage: upkeep init NAME --template %s)", opts.template)
	}
	if !job.ValidName(name) {
		return fmt.Errorf("invalid job name %q: use lowercase letters, digits, _ and -", name)
	}
	if !templates.Exists(opts.template) {
		return fmt.Errorf("unknown template %q (see 'upkeep init --list')", opts.template)
	}

	vars := make(map[string]string)
	for _, arg := range opts.vars {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid var format %q (expected key=value)", arg)
		}
		vars[parts[0]] = parts[1]
	}

	content, err := templates.Render(opts.template, name, vars)
	if err != nil {
		return err
	}

	// A scaffold that does not parse is a bug, not a user error, but
	// check anyway so it never reaches disk.
	if _, err := job.ParseDefinition(content); err != nil {
		return fmt.Errorf("generated definition is invalid: %w", err)
	}

	path := opts.output
	if path == "" {
		path = name + ".yaml"
	}
	if !opts.force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (pass --force to overwrite)", path)
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if !shared.GetQuiet() {
		cmd.Printf("%s\n", shared.RenderOK(fmt.Sprintf("Created %s", path)))
		cmd.Printf("\nNext steps:\n")
		cmd.Printf("  upkeep validate %s   # check the definition\n", path)
		cmd.Printf("  upkeep run %s        # run it locally\n", path)
		cmd.Printf("  # copy it into the daemon's jobs directory to schedule it\n")
	}
	return nil
}

// runInteractive walks through name, template, and placeholder values
// with prompts, then hands off to scaffold.
func runInteractive(cmd *cobra.Command, name string, opts initOptions) error {
	if shared.IsNonInteractive() {
		return fmt.Errorf("interactive init requires a terminal. Use: upkeep init NAME --template blank")
	}

	available, err := templates.List()
	if err != nil {
		return err
	}

	// Phase 1: job name.
	nameForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Job name").
				Description("Used as the file name and the job identifier").
				Value(&name).
				Validate(func(s string) error {
					if !job.ValidName(s) {
						return fmt.Errorf("use lowercase letters, digits, _ and -")
					}
					return nil
				}),
		),
	)
	if err := nameForm.Run(); err != nil {
		if err == huh.ErrUserAborted {
			os.Exit(130) // Standard exit code for SIGINT
		}
		return fmt.Errorf("form cancelled: %w", err)
	}

	// Phase 2: template.
	options := make([]huh.Option[string], 0, len(available))
	for _, tmpl := range available {
		options = append(options, huh.NewOption(fmt.Sprintf("%s - %s", tmpl.Name, tmpl.Description), tmpl.Name))
	}

	templateName := "blank"
	templateForm := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Template").
				Options(options...).
				Value(&templateName),
		),
	)
	if err := templateForm.Run(); err != nil {
		if err == huh.ErrUserAborted {
			os.Exit(130)
		}
		return fmt.Errorf("form cancelled: %w", err)
	}

	// Phase 3: placeholder values, prefilled with template defaults.
	for _, varName := range templates.Vars(templateName) {
		value := templates.Default(templateName, varName)
		input := huh.NewInput().
			Title(varTitle(varName)).
			Value(&value)
		if varName == "cron" {
			input = input.Description("Five-field cron, e.g. '0 */18 * * *', or a shortcut like @daily").
				Validate(func(s string) error {
					_, err := cron.Parse(s)
					return err
				})
		}
		form := huh.NewForm(huh.NewGroup(input))
		if err := form.Run(); err != nil {
			if err == huh.ErrUserAborted {
				os.Exit(130)
			}
			return fmt.Errorf("form cancelled: %w", err)
		}
		opts.vars = append(opts.vars, varName+"="+value)
	}

	opts.template = templateName
	return scaffold(cmd, name, opts)
}

// varTitle maps placeholder names to prompt titles.
func varTitle(varName string) string {
	switch varName {
	case "url":
		return "Repository clone URL"
	case "cron":
		return "Cron schedule"
	default:
		return varName
	}
}
