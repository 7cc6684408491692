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

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-caller rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per caller.
	RequestsPerSecond float64

	// Burst is the token bucket capacity.
	Burst int
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits request rates per caller. The API applies it to
// dispatch so a misbehaving client cannot flood the run queue.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerLimiter
	limit   rate.Limit
	burst   int
}

// NewRateLimiter creates a rate limiter. Defaults: 1 request per
// second, burst of 5.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &RateLimiter{
		callers: make(map[string]*callerLimiter),
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
	}
}

// Allow reports whether a request from the given caller may proceed,
// consuming a token if so.
func (rl *RateLimiter) Allow(caller string) bool {
	if caller == "" {
		caller = "_anonymous_"
	}

	rl.mu.Lock()
	cl, ok := rl.callers[caller]
	if !ok {
		cl = &callerLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.callers[caller] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// Cleanup drops limiters idle for longer than maxAge so one-off
// callers do not accumulate forever.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for caller, cl := range rl.callers {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.callers, caller)
		}
	}
}
