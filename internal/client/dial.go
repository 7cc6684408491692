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

package client

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/upkeep-run/upkeep/pkg/errors"
)

// Environment variable names for client configuration.
const (
	UpkeepHostEnv   = "UPKEEP_HOST"
	UpkeepAPIKeyEnv = "UPKEEP_API_KEY"
)

// DefaultSocketPath returns the default unix socket path for the daemon.
// It must agree with the path upkeepd listens on when no socket is
// configured: $XDG_RUNTIME_DIR/upkeep/upkeep.sock, then
// ~/.upkeep/upkeep.sock, then /tmp/upkeep.sock.
func DefaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "upkeep", "upkeep.sock")
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".upkeep", "upkeep.sock")
	}

	return filepath.Join(os.TempDir(), "upkeep.sock")
}

// ParseHost parses an UPKEEP_HOST value into a transport. Supported
// forms:
//   - unix:///path/to/socket
//   - tcp://host:port
//   - https://host:port
//
// An empty host returns a transport for the default socket path.
func ParseHost(host string) (*Transport, error) {
	if host == "" {
		return DefaultTransport(), nil
	}

	switch {
	case strings.HasPrefix(host, "unix://"):
		return NewUnixTransport(strings.TrimPrefix(host, "unix://")), nil

	case strings.HasPrefix(host, "tcp://"):
		return NewTCPTransport(strings.TrimPrefix(host, "tcp://")), nil

	case strings.HasPrefix(host, "https://"):
		addr := strings.TrimPrefix(host, "https://")
		return NewTLSTransport(addr, &tls.Config{MinVersion: tls.VersionTLS12}), nil

	default:
		return nil, fmt.Errorf("invalid UPKEEP_HOST format: %s (must start with unix://, tcp://, or https://)", host)
	}
}

// FromEnvironment creates a client configured from UPKEEP_HOST and
// UPKEEP_API_KEY.
func FromEnvironment() (*Client, error) {
	transport, err := ParseHost(os.Getenv(UpkeepHostEnv))
	if err != nil {
		return nil, err
	}

	opts := []Option{WithTransport(transport)}
	if apiKey := os.Getenv(UpkeepAPIKeyEnv); apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}

	return New(opts...)
}

// DaemonNotRunningError indicates the daemon could not be reached over
// its unix socket.
type DaemonNotRunningError struct {
	SocketPath string
	Err        error
}

func (e *DaemonNotRunningError) Error() string {
	return fmt.Sprintf("upkeep daemon is not running (socket: %s)", e.SocketPath)
}

func (e *DaemonNotRunningError) Unwrap() error {
	return e.Err
}

// Guidance returns user-facing instructions for starting the daemon.
func (e *DaemonNotRunningError) Guidance() string {
	return `The upkeep daemon is not running.

Start it with:
  upkeepd                        # Foreground (for development)
  upkeepd &                      # Background

Or point the client at a remote daemon:
  export UPKEEP_HOST=tcp://host:port`
}

// IsDaemonNotRunning reports whether an error indicates the daemon is
// unreachable.
func IsDaemonNotRunning(err error) bool {
	if err == nil {
		return false
	}

	var dnr *DaemonNotRunningError
	if errors.As(err, &dnr) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such file or directory") ||
		strings.Contains(errStr, "socket") && strings.Contains(errStr, "not found")
}
