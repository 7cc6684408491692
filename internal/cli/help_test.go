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
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/commands/shared"
)

// newTestRoot builds a root with the persistent --json flag bound the
// way NewRootCommand binds it, plus one annotated subcommand.
func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()

	rootCmd := &cobra.Command{
		Use:   "test",
		Short: "Test command",
	}
	_, _, jsonPtr, _, _, _ := shared.RegisterFlagPointers()
	rootCmd.PersistentFlags().BoolVar(jsonPtr, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output")
	t.Cleanup(func() { *jsonPtr = false })

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample subcommand",
		Long:  "This is a sample subcommand for testing",
		Example: `  test sample
  test sample --flag value`,
		Annotations: map[string]string{
			"group": "testing",
		},
		RunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	sampleCmd.Flags().String("flag", "", "A sample flag")
	if err := sampleCmd.MarkFlagRequired("flag"); err != nil {
		t.Fatalf("MarkFlagRequired() error = %v", err)
	}
	rootCmd.AddCommand(sampleCmd)

	rootCmd.SetHelpCommand(NewHelpCommand(rootCmd))
	return rootCmd
}

func TestHelpCommandJSON_AllCommands(t *testing.T) {
	rootCmd := newTestRoot(t)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"help", "--json"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var resp HelpResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse JSON output: %v\nOutput: %s", err, buf.String())
	}

	if !resp.Success {
		t.Error("expected success true")
	}
	if resp.Command != nil {
		t.Errorf("expected no single command in the list form, got %+v", resp.Command)
	}
	if len(resp.Commands) == 0 {
		t.Fatal("expected commands list, got none")
	}
	found := false
	for _, c := range resp.Commands {
		if c.Name == "sample" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'sample' in command list, got %+v", resp.Commands)
	}
	if len(resp.GlobalFlags) == 0 {
		t.Error("expected global flags from the root's persistent set")
	}
	if resp.DocsURL == "" {
		t.Error("expected docs_url to be set")
	}
}

func TestHelpCommandJSON_SingleCommand(t *testing.T) {
	rootCmd := newTestRoot(t)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"help", "sample", "--json"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var resp HelpResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse JSON output: %v\nOutput: %s", err, buf.String())
	}

	if resp.Command == nil {
		t.Fatal("expected command metadata, got nil")
	}
	if resp.Command.Name != "sample" {
		t.Errorf("expected command name 'sample', got %s", resp.Command.Name)
	}
	if resp.Command.Group != "testing" {
		t.Errorf("expected group 'testing', got %s", resp.Command.Group)
	}
	if resp.Command.Examples == "" {
		t.Error("expected examples to be populated")
	}
	if len(resp.Commands) > 0 {
		t.Errorf("expected empty command list in the single form, got %d", len(resp.Commands))
	}

	// MarkFlagRequired must surface through the metadata.
	var required *FlagMetadata
	for i, f := range resp.Command.Flags {
		if f.Name == "flag" {
			required = &resp.Command.Flags[i]
		}
	}
	if required == nil {
		t.Fatalf("expected 'flag' in flag metadata, got %+v", resp.Command.Flags)
	}
	if !required.Required {
		t.Error("expected 'flag' to be marked required")
	}
}

func TestHelpCommandUnknown(t *testing.T) {
	rootCmd := newTestRoot(t)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"help", "nope"})

	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestHelpCommandHumanOutput(t *testing.T) {
	rootCmd := newTestRoot(t)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"help"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("expected human output, got JSON")
	}
}

func TestCommandMetadata(t *testing.T) {
	cmd := &cobra.Command{
		Use:     "testcmd",
		Short:   "Test command",
		Long:    "This is a longer description",
		Example: "testcmd --flag value",
		Aliases: []string{"tc"},
		Annotations: map[string]string{
			"group": "testing",
		},
	}
	cmd.Flags().String("flag", "default", "A test flag")
	cmd.Flags().Bool("bool-flag", false, "A boolean flag")

	metadata := commandMetadata(cmd)

	if metadata.Name != "testcmd" {
		t.Errorf("expected name 'testcmd', got %s", metadata.Name)
	}
	if metadata.Group != "testing" {
		t.Errorf("expected group 'testing', got %s", metadata.Group)
	}
	if len(metadata.Aliases) != 1 {
		t.Errorf("expected 1 alias, got %d", len(metadata.Aliases))
	}
	if len(metadata.Flags) != 2 {
		t.Errorf("expected 2 flags, got %d", len(metadata.Flags))
	}
	for _, f := range metadata.Flags {
		if f.Required {
			t.Errorf("flag %s should not be required", f.Name)
		}
	}
}

func TestFlagMetadataSkipsHidden(t *testing.T) {
	cmd := &cobra.Command{Use: "testcmd"}
	cmd.Flags().String("visible", "", "Visible flag")
	cmd.Flags().String("secret", "", "Hidden flag")
	if err := cmd.Flags().MarkHidden("secret"); err != nil {
		t.Fatalf("MarkHidden() error = %v", err)
	}

	flags := flagMetadata(cmd.Flags())

	if len(flags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(flags))
	}
	if flags[0].Name != "visible" {
		t.Errorf("expected 'visible', got %s", flags[0].Name)
	}
}
