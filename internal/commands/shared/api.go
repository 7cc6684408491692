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

package shared

import (
	"os"

	"github.com/upkeep-run/upkeep/internal/client"
	"github.com/upkeep-run/upkeep/pkg/errors"
)

// NewClient builds a daemon API client from the global flags and
// environment. Transport resolution order:
//
//  1. --socket flag (unix socket path)
//  2. UPKEEP_HOST environment variable (unix://, tcp://, https://)
//  3. Default unix socket path
//
// The API key is resolved separately via ResolveAPIKey.
func NewClient() (*client.Client, error) {
	return NewClientWithKey(ResolveAPIKey())
}

// NewClientWithKey builds a daemon API client with an explicit API key,
// bypassing key resolution. Auth login uses it to verify a key before
// storing it.
func NewClientWithKey(key string) (*client.Client, error) {
	transport, err := resolveTransport()
	if err != nil {
		return nil, err
	}

	opts := []client.Option{client.WithTransport(transport)}
	if key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}

	return client.New(opts...)
}

// ResolveAPIKey returns the API key for daemon requests. Resolution
// order: --api-key flag, UPKEEP_API_KEY environment variable, system
// keychain. Keychain errors are swallowed so headless environments
// without a secret service still work unauthenticated.
func ResolveAPIKey() string {
	if key := GetAPIKey(); key != "" {
		return key
	}
	if key := os.Getenv(client.UpkeepAPIKeyEnv); key != "" {
		return key
	}
	key, err := LoadAPIKey()
	if err != nil {
		return ""
	}
	return key
}

func resolveTransport() (*client.Transport, error) {
	if socket := GetSocket(); socket != "" {
		return client.NewUnixTransport(socket), nil
	}
	if host := os.Getenv(client.UpkeepHostEnv); host != "" {
		return client.ParseHost(host)
	}
	return client.DefaultTransport(), nil
}

// WrapDaemonError converts client connection failures into a
// daemon-unavailable exit error with startup guidance. Other errors
// pass through unchanged.
func WrapDaemonError(err error) error {
	if err == nil {
		return nil
	}

	var notRunning *client.DaemonNotRunningError
	if errors.As(err, &notRunning) {
		return &ExitError{
			Code:    ExitDaemonUnavailable,
			Message: notRunning.Error() + "\n\n" + notRunning.Guidance(),
		}
	}
	if client.IsDaemonNotRunning(err) {
		return NewDaemonUnavailableError("daemon unreachable", err)
	}
	return err
}
