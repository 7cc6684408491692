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
	"net/http"

	"github.com/upkeep-run/upkeep/internal/daemon/scheduler"
	"github.com/upkeep-run/upkeep/pkg/errors"
)

// SchedulesHandler handles schedule-related API requests.
type SchedulesHandler struct {
	scheduler *scheduler.Scheduler
}

// NewSchedulesHandler creates a new schedules handler.
func NewSchedulesHandler(s *scheduler.Scheduler) *SchedulesHandler {
	return &SchedulesHandler{scheduler: s}
}

// RegisterRoutes registers schedule API routes on the router.
func (h *SchedulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/schedules", h.handleList)
	mux.HandleFunc("GET /v1/schedules/{name}", h.handleGet)
	mux.HandleFunc("POST /v1/schedules/{name}/enable", h.handleEnable)
	mux.HandleFunc("POST /v1/schedules/{name}/disable", h.handleDisable)
}

// handleList returns all schedules.
func (h *SchedulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	statuses := h.scheduler.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": statuses,
		"count":     len(statuses),
	})
}

// handleGet returns a specific schedule.
func (h *SchedulesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "schedule name required")
		return
	}

	status, err := h.scheduler.Status(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// setEnabled toggles a schedule and writes the outcome.
func (h *SchedulesHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "schedule name required")
		return
	}

	if err := h.scheduler.SetEnabled(r.Context(), name, enabled); err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if enabled {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "enabled",
			"message": "Schedule enabled",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "disabled",
		"message": "Schedule disabled",
	})
}

// handleEnable enables a schedule.
func (h *SchedulesHandler) handleEnable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// handleDisable disables a schedule.
func (h *SchedulesHandler) handleDisable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}
