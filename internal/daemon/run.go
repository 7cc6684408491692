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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/upkeep-run/upkeep/internal/config"
	"github.com/upkeep-run/upkeep/internal/daemon/listener"
	"github.com/upkeep-run/upkeep/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath selects the config file. Empty uses the default
	// location and tolerates its absence.
	ConfigPath string

	// Config overrides
	BackendType string
	BackendPath string
	SocketPath  string
	TCPAddr     string
	JobsDir     string
	DataDir     string
	TLSCert     string
	TLSKey      string
	AllowRemote bool
}

// Run starts the daemon and blocks until shutdown. This is the entry
// point for upkeepd.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	configPath := opts.ConfigPath
	if configPath == "" {
		if path, err := config.ConfigPath(); err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				configPath = path
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply overrides from options
	if opts.BackendType != "" {
		cfg.Backend.Type = opts.BackendType
	}
	if opts.BackendPath != "" {
		cfg.Backend.Path = opts.BackendPath
	}
	if opts.SocketPath != "" {
		cfg.Listen.SocketPath = opts.SocketPath
	}
	if opts.TCPAddr != "" {
		cfg.Listen.TCPAddr = opts.TCPAddr
	}
	if opts.JobsDir != "" {
		cfg.JobsDir = opts.JobsDir
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.TLSCert != "" {
		cfg.Listen.TLSCert = opts.TLSCert
	}
	if opts.TLSKey != "" {
		cfg.Listen.TLSKey = opts.TLSKey
	}
	if opts.AllowRemote {
		cfg.Listen.AllowRemote = true
		logger.Warn("--allow-remote is enabled. The daemon will accept connections from any network address. Ensure you have proper authentication and TLS configured for production use.")
	}

	// UPKEEP_HOST points the CLI at the daemon; honoring it here keeps
	// both sides on the same endpoint. Explicit flags still win.
	if opts.SocketPath == "" && opts.TCPAddr == "" {
		lc, err := listener.ParseHost(os.Getenv("UPKEEP_HOST"))
		if err != nil {
			logger.Error("Invalid UPKEEP_HOST", slog.Any("error", err))
			return err
		}
		if lc != nil {
			cfg.Listen.SocketPath = lc.SocketPath
			cfg.Listen.TCPAddr = lc.TCPAddr
		}
	}

	d, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		logger.Error("Failed to create daemon", slog.Any("error", err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("Daemon error", slog.Any("error", err))
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}
