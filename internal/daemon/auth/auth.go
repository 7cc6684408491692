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

// Package auth authenticates daemon API requests.
//
// Two credential kinds are accepted: static API keys from the daemon
// config (X-API-Key header or Bearer token) and HS256 JWTs signed with
// the configured secret. With neither configured the middleware passes
// everything through; the unix socket's file permissions are the
// boundary then.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const userContextKey contextKey = "user"

// User is the authenticated caller of a request.
type User struct {
	// Name identifies the credential, not a person: a masked API key
	// or a JWT subject.
	Name   string
	Scopes []string
}

// UserFromContext extracts the authenticated user from the request
// context.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok
}

// ContextWithUser returns a context carrying the given user. Intended
// for tests.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// Config contains the authentication configuration.
type Config struct {
	// APIKeys are the valid static keys.
	APIKeys []string

	// JWTSecret signs and verifies HS256 tokens. Empty disables JWT
	// auth.
	JWTSecret []byte
}

// Middleware authenticates requests.
type Middleware struct {
	keys   []string
	secret []byte
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(cfg Config) *Middleware {
	return &Middleware{keys: cfg.APIKeys, secret: cfg.JWTSecret}
}

// Enabled reports whether any credential is configured.
func (m *Middleware) Enabled() bool {
	return len(m.keys) > 0 || len(m.secret) > 0
}

// exemptPaths are reachable without credentials: liveness checks and
// scrapes must work before anyone has a key.
var exemptPaths = map[string]bool{
	"/v1/health":  true,
	"/v1/version": true,
	"/metrics":    true,
}

// Wrap wraps a handler with authentication.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() || exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		// Keys in query parameters end up in access logs and shell
		// history. Reject them outright.
		if r.URL.Query().Get("api_key") != "" {
			m.unauthorized(w, "api keys in query parameters are not supported, use the Authorization or X-API-Key header")
			return
		}

		token, bearer := extractToken(r)
		if token == "" {
			m.unauthorized(w, "authentication required")
			return
		}

		var user *User

		if bearer && len(m.secret) > 0 {
			if claims, err := ValidateToken(token, m.secret); err == nil {
				user = &User{Name: claims.Subject, Scopes: claims.Scopes}
			}
		}

		if user == nil {
			if !m.validKey(token) {
				m.unauthorized(w, "invalid credentials")
				return
			}
			user = &User{Name: MaskKey(token)}
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken pulls the credential from the request. The second
// return reports whether it came from a Bearer header, which is the
// only place a JWT is looked for.
func extractToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), true
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, false
	}
	return "", false
}

// validKey compares the token against every configured key. All keys
// are checked in constant time regardless of where a match lands.
func (m *Middleware) validKey(token string) bool {
	match := false
	for _, key := range m.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			match = true
		}
	}
	return match
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GenerateKey generates a random API key.
func GenerateKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "upk_" + hex.EncodeToString(bytes), nil
}

// MaskKey masks an API key for display and logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
