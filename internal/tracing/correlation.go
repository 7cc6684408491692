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

package tracing

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// CorrelationID tags a request across the CLI, the daemon and the logs.
// RFC 4122 UUID format.
type CorrelationID string

type correlationKeyType struct{}

var correlationKey = correlationKeyType{}

// Correlation ID headers. X-Request-ID is accepted on the way in for
// compatibility with proxies that set it.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// NewCorrelationID generates a fresh correlation ID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

func (c CorrelationID) String() string {
	return string(c)
}

// IsValid reports whether the ID is a well-formed UUID.
func (c CorrelationID) IsValid() bool {
	return uuidRegex.MatchString(string(c))
}

// ToContext stores the correlation ID on the context.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// FromContext returns the context's correlation ID, minting one if the
// context has none.
func FromContext(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey).(CorrelationID); ok {
		return id
	}
	return NewCorrelationID()
}

// FromContextOrEmpty returns the context's correlation ID, or "" if the
// context has none.
func FromContextOrEmpty(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey).(CorrelationID); ok {
		return id
	}
	return ""
}

// ExtractFromRequest reads the correlation ID from the request headers.
func ExtractFromRequest(r *http.Request) (CorrelationID, bool) {
	if id := r.Header.Get(HeaderCorrelationID); id != "" {
		return CorrelationID(id), true
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return CorrelationID(id), true
	}
	return "", false
}

// CorrelationMiddleware accepts or mints a correlation ID per request,
// stores it on the request context and echoes it on the response. A
// malformed inbound ID is a 400.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id CorrelationID
		if extracted, found := ExtractFromRequest(r); found {
			if !extracted.IsValid() {
				http.Error(w, "invalid X-Correlation-ID: must be a UUID", http.StatusBadRequest)
				return
			}
			id = extracted
		} else {
			id = NewCorrelationID()
		}

		r = r.WithContext(ToContext(r.Context(), id))
		w.Header().Set(HeaderCorrelationID, id.String())
		next.ServeHTTP(w, r)
	})
}

// CorrelationRoundTripper injects the context's correlation ID into
// outbound requests. The client wraps its transport with it.
type CorrelationRoundTripper struct {
	Transport http.RoundTripper
}

func (t *CorrelationRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if id := FromContextOrEmpty(req.Context()); id != "" {
		req.Header.Set(HeaderCorrelationID, id.String())
	}

	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return transport.RoundTrip(req)
}
