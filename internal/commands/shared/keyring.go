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
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/upkeep-run/upkeep/pkg/errors"
)

const (
	// keyringService is the service name used for keychain entries.
	keyringService = "upkeep"

	// keyringAPIKeyName is the account name under which the daemon API
	// key is stored.
	keyringAPIKeyName = "api-key"
)

// ErrNoAPIKey indicates no API key is stored in the system keychain.
var ErrNoAPIKey = errors.New("no API key stored")

// StoreAPIKey saves the daemon API key in the system keychain.
// Supported platforms:
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
func StoreAPIKey(key string) error {
	if err := keyring.Set(keyringService, keyringAPIKeyName, key); err != nil {
		return fmt.Errorf("keychain error: %w", err)
	}
	return nil
}

// LoadAPIKey retrieves the stored daemon API key. Returns an empty
// string without error when no key is stored, so callers can fall
// through to unauthenticated access.
func LoadAPIKey() (string, error) {
	value, err := keyring.Get(keyringService, keyringAPIKeyName)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("keychain error: %w", err)
	}
	return value, nil
}

// DeleteAPIKey removes the stored daemon API key. Returns ErrNoAPIKey
// when nothing was stored.
func DeleteAPIKey() error {
	if err := keyring.Delete(keyringService, keyringAPIKeyName); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNoAPIKey
		}
		return fmt.Errorf("keychain error: %w", err)
	}
	return nil
}
