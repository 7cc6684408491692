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

package version

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/upkeep-run/upkeep/internal/client"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
)

const requestTimeout = 10 * time.Second

// VersionInfo contains version metadata
type VersionInfo struct {
	Version   string                  `json:"version"`
	Commit    string                  `json:"commit"`
	BuildDate string                  `json:"build_date"`
	Daemon    *client.VersionResponse `json:"daemon,omitempty"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var withDaemon bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date for Upkeep.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd, withDaemon)
		},
	}

	cmd.Flags().BoolVar(&withDaemon, "daemon", false, "Also query the daemon's version")

	return cmd
}

func runVersion(cmd *cobra.Command, withDaemon bool) error {
	v, c, b := shared.GetVersion()

	info := VersionInfo{
		Version:   v,
		Commit:    c,
		BuildDate: b,
	}

	if withDaemon {
		api, err := shared.NewClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		daemon, err := api.Version(ctx)
		if err != nil {
			return shared.WrapDaemonError(err)
		}
		info.Daemon = daemon
	}

	if shared.GetJSON() {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("upkeep version %s\n", info.Version)
	cmd.Printf("  commit:     %s\n", info.Commit)
	cmd.Printf("  build date: %s\n", info.BuildDate)

	if info.Daemon != nil {
		cmd.Printf("\nupkeepd version %s\n", info.Daemon.Version)
		cmd.Printf("  commit:     %s\n", info.Daemon.Commit)
		cmd.Printf("  build date: %s\n", info.Daemon.BuildDate)
		cmd.Printf("  go:         %s\n", info.Daemon.GoVersion)
		cmd.Printf("  platform:   %s/%s\n", info.Daemon.OS, info.Daemon.Arch)
	}

	return nil
}
