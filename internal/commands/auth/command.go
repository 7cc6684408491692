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

// Package auth manages the daemon API key stored in the system
// keychain.
package auth

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/client"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/internal/output"
	"github.com/upkeep-run/upkeep/pkg/errors"
)

const requestTimeout = 10 * time.Second

// NewCommand creates the auth command with its subcommands
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage daemon authentication",
		Annotations: map[string]string{
			"group": "daemon",
		},
		Long: `Auth stores the daemon API key in the system keychain so other
commands can authenticate without an --api-key flag or environment
variable. The key is only required when the daemon runs with
authentication enabled, typically for remote TCP access.`,
	}

	cmd.AddCommand(newLoginCommand())
	cmd.AddCommand(newLogoutCommand())
	cmd.AddCommand(newStatusCommand())

	return cmd
}

func newLoginCommand() *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API key in the system keychain",
		Example: `  # Example 1: Prompt for the key
  upkeep auth login

  # Example 2: Read the key from stdin (scripts, CI)
  echo "$UPKEEP_KEY" | upkeep auth login --stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKey(cmd, fromStdin)
			if err != nil {
				return err
			}

			if err := shared.StoreAPIKey(key); err != nil {
				return err
			}

			verified := verifyKey(cmd.Context(), key)
			if shared.GetJSON() {
				return output.EmitJSON(loginResponse{
					JSONResponse: output.OK("auth login"),
					Verified:     verified,
				})
			}

			cmd.Println(shared.RenderOK("API key stored in system keychain"))
			if !verified {
				cmd.Println(shared.RenderWarn("Daemon not reachable; the key was stored but not verified"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the API key from standard input")

	return cmd
}

type loginResponse struct {
	output.JSONResponse
	Verified bool `json:"verified"`
}

// readKey obtains the API key from stdin or an interactive prompt.
func readKey(cmd *cobra.Command, fromStdin bool) (string, error) {
	if fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read API key from stdin: %w", err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("no API key on stdin")
		}
		return key, nil
	}

	if shared.IsNonInteractive() {
		return "", fmt.Errorf("interactive login requires a terminal. Use: upkeep auth login --stdin")
	}

	var key string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API Key").
				Description("The key the daemon was started with (--api-key or UPKEEP_API_KEY)").
				EchoMode(huh.EchoModePassword).
				Value(&key).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("API key is required")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			os.Exit(130) // Standard exit code for SIGINT
		}
		return "", fmt.Errorf("form cancelled: %w", err)
	}
	return strings.TrimSpace(key), nil
}

// verifyKey checks the key against the daemon. Reachability problems
// are not login failures, so it only reports success or not.
func verifyKey(ctx context.Context, key string) bool {
	api, err := shared.NewClientWithKey(key)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return api.Ping(ctx) == nil
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the API key from the system keychain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := shared.DeleteAPIKey()
			if errors.Is(err, shared.ErrNoAPIKey) {
				cmd.Println(shared.RenderWarn("No API key stored"))
				return nil
			}
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return output.EmitJSON(output.OK("auth logout"))
			}
			cmd.Println(shared.RenderOK("API key removed from system keychain"))
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication and daemon connectivity status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stored, keyErr := shared.LoadAPIKey()
			source := keySource(stored != "")

			reachable := false
			daemonVersion := ""
			if api, err := shared.NewClient(); err == nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				if ver, err := api.Version(ctx); err == nil {
					reachable = true
					daemonVersion = ver.Version
				}
			}

			if shared.GetJSON() {
				return output.EmitJSON(statusResponse{
					JSONResponse: output.OK("auth status"),
					KeyStored:     stored != "",
					KeySource:     source,
					Daemon:        reachable,
					DaemonVersion: daemonVersion,
				})
			}

			if keyErr != nil {
				cmd.Println(shared.RenderWarn(fmt.Sprintf("Keychain unavailable: %v", keyErr)))
			}
			if source == "" {
				cmd.Println("No API key configured (flag, environment, or keychain)")
			} else {
				cmd.Printf("API key: configured via %s\n", source)
			}
			if reachable {
				cmd.Printf("Daemon:  reachable (version %s)\n", daemonVersion)
			} else {
				cmd.Println("Daemon:  not reachable")
			}
			return nil
		},
	}
}

type statusResponse struct {
	output.JSONResponse
	KeyStored     bool   `json:"key_stored"`
	KeySource     string `json:"key_source,omitempty"`
	Daemon        bool   `json:"daemon_reachable"`
	DaemonVersion string `json:"daemon_version,omitempty"`
}

// keySource names where the effective API key comes from, mirroring the
// resolution order in shared.ResolveAPIKey.
func keySource(keychainStored bool) string {
	if shared.GetAPIKey() != "" {
		return "--api-key flag"
	}
	if os.Getenv(client.UpkeepAPIKeyEnv) != "" {
		return client.UpkeepAPIKeyEnv + " environment variable"
	}
	if keychainStored {
		return "system keychain"
	}
	return ""
}
