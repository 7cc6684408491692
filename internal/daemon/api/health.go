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
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthResponse is the response format for /v1/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

var startTime = time.Now()

// handleHealth handles GET /v1/health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	uptime := time.Since(startTime)

	status := "healthy"
	checks := map[string]string{
		"api":     "ok",
		"runtime": runtime.Version(),
	}

	if r.scheduleProvider != nil {
		total := r.scheduleProvider.ScheduleCount()
		enabled := r.scheduleProvider.EnabledScheduleCount()
		checks["schedules"] = formatScheduleStatus(total, enabled)
	}

	if r.runnerProvider != nil {
		checks["runs"] = fmt.Sprintf("%d live, %d queued",
			r.runnerProvider.ActiveRunCount(), r.runnerProvider.QueueDepth())
		if r.runnerProvider.IsDraining() {
			status = "draining"
		}
	}

	resp := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    uptime.Round(time.Second).String(),
		Checks:    checks,
	}

	writeJSON(w, http.StatusOK, resp)
}

// formatScheduleStatus formats schedule status for display.
func formatScheduleStatus(total, enabled int) string {
	if total == 0 {
		return "none"
	}
	return fmt.Sprintf("%d/%d active", enabled, total)
}
