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

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/upkeep-run/upkeep/internal/tracing"
)

type fakeScheduleStatus struct {
	total, enabled int
}

func (f fakeScheduleStatus) ScheduleCount() int        { return f.total }
func (f fakeScheduleStatus) EnabledScheduleCount() int { return f.enabled }

type fakeRunnerStatus struct {
	active, queued int
	draining       bool
}

func (f fakeRunnerStatus) ActiveRunCount() int { return f.active }
func (f fakeRunnerStatus) QueueDepth() int     { return f.queued }
func (f fakeRunnerStatus) IsDraining() bool    { return f.draining }

func TestRouter_Health(t *testing.T) {
	router := NewRouter(RouterConfig{Version: "test"})

	req := httptest.NewRequest("GET", "/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d. Body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("got status %q, want healthy", resp.Status)
	}
	if resp.Checks["api"] != "ok" {
		t.Errorf("got api check %q, want ok", resp.Checks["api"])
	}
}

func TestRouter_HealthWithProviders(t *testing.T) {
	tests := []struct {
		name          string
		schedules     fakeScheduleStatus
		runner        fakeRunnerStatus
		wantStatus    string
		wantSchedules string
		wantRuns      string
	}{
		{
			name:          "active daemon",
			schedules:     fakeScheduleStatus{total: 3, enabled: 2},
			runner:        fakeRunnerStatus{active: 1, queued: 2},
			wantStatus:    "healthy",
			wantSchedules: "2/3 active",
			wantRuns:      "1 live, 2 queued",
		},
		{
			name:          "no schedules",
			schedules:     fakeScheduleStatus{},
			runner:        fakeRunnerStatus{},
			wantStatus:    "healthy",
			wantSchedules: "none",
			wantRuns:      "0 live, 0 queued",
		},
		{
			name:          "draining daemon",
			schedules:     fakeScheduleStatus{total: 1, enabled: 1},
			runner:        fakeRunnerStatus{active: 2, draining: true},
			wantStatus:    "draining",
			wantSchedules: "1/1 active",
			wantRuns:      "2 live, 0 queued",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(RouterConfig{Version: "test"})
			router.SetScheduleProvider(tt.schedules)
			router.SetRunnerProvider(tt.runner)

			req := httptest.NewRequest("GET", "/v1/health", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("got status %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Checks["schedules"] != tt.wantSchedules {
				t.Errorf("got schedules check %q, want %q", resp.Checks["schedules"], tt.wantSchedules)
			}
			if resp.Checks["runs"] != tt.wantRuns {
				t.Errorf("got runs check %q, want %q", resp.Checks["runs"], tt.wantRuns)
			}
		})
	}
}

func TestRouter_Version(t *testing.T) {
	router := NewRouter(RouterConfig{
		Version:   "1.2.3",
		Commit:    "abc1234",
		BuildDate: "2026-01-02",
	})

	req := httptest.NewRequest("GET", "/v1/version", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}

	var resp VersionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("got version %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("got commit %q, want abc1234", resp.Commit)
	}
	if resp.GoVersion != runtime.Version() {
		t.Errorf("got go version %q, want %q", resp.GoVersion, runtime.Version())
	}
}

func TestRouter_Root(t *testing.T) {
	router := NewRouter(RouterConfig{Version: "1.2.3"})

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["name"] != "upkeepd" {
		t.Errorf("got name %q, want upkeepd", resp["name"])
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("got version %q, want 1.2.3", resp["version"])
	}
}

func TestRouter_MetricsHandler(t *testing.T) {
	router := NewRouter(RouterConfig{Version: "test"})
	router.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# HELP upkeep_runs_total\n"))
	}))

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "# HELP upkeep_runs_total\n" {
		t.Errorf("unexpected metrics body: %q", got)
	}
}

func TestRouter_CorrelationID(t *testing.T) {
	router := NewRouter(RouterConfig{Version: "test"})

	t.Run("minted when absent", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		id := rec.Header().Get(tracing.HeaderCorrelationID)
		if id == "" {
			t.Fatal("no correlation ID on response")
		}
		if !tracing.CorrelationID(id).IsValid() {
			t.Errorf("minted ID %q is not a UUID", id)
		}
	})

	t.Run("echoed when provided", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/health", nil)
		req.Header.Set(tracing.HeaderCorrelationID, "123e4567-e89b-12d3-a456-426614174000")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if got := rec.Header().Get(tracing.HeaderCorrelationID); got != "123e4567-e89b-12d3-a456-426614174000" {
			t.Errorf("got correlation ID %q, want the inbound one", got)
		}
	})

	t.Run("malformed rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/health", nil)
		req.Header.Set(tracing.HeaderCorrelationID, "not-a-uuid")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("got status %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}
