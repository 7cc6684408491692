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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/upkeep-run/upkeep/internal/daemon/backend/memory"
	"github.com/upkeep-run/upkeep/internal/daemon/runner"
	"github.com/upkeep-run/upkeep/internal/daemon/scheduler"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// stubSubmitter satisfies scheduler.Submitter without running anything.
type stubSubmitter struct{}

func (s *stubSubmitter) Submit(ctx context.Context, req runner.SubmitRequest) (*runner.RunSnapshot, error) {
	return &runner.RunSnapshot{ID: "run-stub"}, nil
}

func (s *stubSubmitter) IsDraining() bool { return false }

func setupSchedulesServer(t *testing.T) (*http.ServeMux, *scheduler.Scheduler) {
	t.Helper()

	s := scheduler.New(&stubSubmitter{}, memory.New())
	s.SyncJobs(context.Background(), []*job.Definition{
		parseDef(t, codebrowserYAML),
		parseDef(t, dockerPruneYAML),
	})

	mux := http.NewServeMux()
	NewSchedulesHandler(s).RegisterRoutes(mux)
	return mux, s
}

func TestSchedulesHandler_List(t *testing.T) {
	mux, _ := setupSchedulesServer(t)

	req := httptest.NewRequest("GET", "/v1/schedules", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d. Body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var result struct {
		Schedules []scheduler.ScheduleStatus `json:"schedules"`
		Count     int                        `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Count != 2 {
		t.Fatalf("got count %d, want 2. Body: %s", result.Count, rec.Body.String())
	}
	if result.Schedules[0].Name != "codebrowser" {
		t.Errorf("got first schedule %s, want codebrowser", result.Schedules[0].Name)
	}
	if result.Schedules[0].Cron != "0 */18 * * *" {
		t.Errorf("got cron %q, want '0 */18 * * *'", result.Schedules[0].Cron)
	}
}

func TestSchedulesHandler_Get(t *testing.T) {
	mux, _ := setupSchedulesServer(t)

	tests := []struct {
		name       string
		schedule   string
		wantStatus int
	}{
		{
			name:       "existing schedule",
			schedule:   "codebrowser",
			wantStatus: http.StatusOK,
		},
		{
			name:       "unknown schedule",
			schedule:   "ghost",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/schedules/"+tt.schedule, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d. Body: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var status scheduler.ScheduleStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if status.Name != tt.schedule {
				t.Errorf("got schedule %s, want %s", status.Name, tt.schedule)
			}
			if !status.Enabled {
				t.Error("schedule should start enabled")
			}
		})
	}
}

func TestSchedulesHandler_EnableDisable(t *testing.T) {
	mux, s := setupSchedulesServer(t)

	req := httptest.NewRequest("POST", "/v1/schedules/codebrowser/disable", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("disable: got status %d, want %d. Body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var result map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result["status"] != "disabled" {
		t.Errorf("got status %q, want disabled", result["status"])
	}

	status, err := s.Status("codebrowser")
	if err != nil {
		t.Fatalf("schedule status: %v", err)
	}
	if status.Enabled {
		t.Error("schedule still enabled after disable")
	}

	req = httptest.NewRequest("POST", "/v1/schedules/codebrowser/enable", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("enable: got status %d, want %d. Body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	status, err = s.Status("codebrowser")
	if err != nil {
		t.Fatalf("schedule status: %v", err)
	}
	if !status.Enabled {
		t.Error("schedule still disabled after enable")
	}
}

func TestSchedulesHandler_ToggleUnknown(t *testing.T) {
	mux, _ := setupSchedulesServer(t)

	for _, action := range []string{"enable", "disable"} {
		req := httptest.NewRequest("POST", "/v1/schedules/ghost/"+action, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: got status %d, want %d", action, rec.Code, http.StatusNotFound)
		}
	}
}
