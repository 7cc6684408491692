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

	"github.com/upkeep-run/upkeep/internal/daemon/auth"
	"github.com/upkeep-run/upkeep/internal/daemon/runner"
	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// JobProvider supplies the currently loaded job definitions.
type JobProvider interface {
	Jobs() []*job.Definition
	Job(name string) (*job.Definition, error)
}

// JobsHandler handles job listing and manual dispatch.
type JobsHandler struct {
	jobs    JobProvider
	runner  *runner.Runner
	limiter *auth.RateLimiter
}

// NewJobsHandler creates a new jobs handler. The rate limiter applies to
// dispatch only; a nil limiter disables rate limiting.
func NewJobsHandler(jobs JobProvider, r *runner.Runner, limiter *auth.RateLimiter) *JobsHandler {
	return &JobsHandler{
		jobs:    jobs,
		runner:  r,
		limiter: limiter,
	}
}

// RegisterRoutes registers job API routes on the router.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/jobs", h.handleList)
	mux.HandleFunc("GET /v1/jobs/{name}", h.handleGet)
	mux.HandleFunc("POST /v1/jobs/{name}/dispatch", h.handleDispatch)
}

// JobSummary is the list representation of a job definition.
type JobSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Triggers    string `json:"triggers,omitempty"`
	Group       string `json:"group,omitempty"`
	Steps       int    `json:"steps"`
}

// handleList handles GET /v1/jobs.
func (h *JobsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	defs := h.jobs.Jobs()

	summaries := make([]JobSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, JobSummary{
			Name:        def.Name,
			Description: def.Description,
			Triggers:    def.TriggerSummary(),
			Group:       def.ConcurrencyGroup(),
			Steps:       len(def.Steps),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  summaries,
		"count": len(summaries),
	})
}

// handleGet handles GET /v1/jobs/{name}.
func (h *JobsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "job name required")
		return
	}

	def, err := h.jobs.Job(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, def)
}

// DispatchRequest is the request body for POST /v1/jobs/{name}/dispatch.
type DispatchRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

// handleDispatch handles POST /v1/jobs/{name}/dispatch.
func (h *JobsHandler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if h.runner.IsDraining() {
		writeDraining(w)
		return
	}

	user, authed := auth.UserFromContext(r.Context())

	if h.limiter != nil {
		caller := ""
		if authed {
			caller = user.Name
		}
		if !h.limiter.Allow(caller) {
			writeError(w, http.StatusTooManyRequests, "dispatch rate limit exceeded, retry later")
			return
		}
	}

	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "job name required")
		return
	}

	def, err := h.jobs.Job(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if authed && !auth.MatchesScope(user.Scopes, name) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("credential is not scoped for job %q", name))
		return
	}

	var req DispatchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inputs := req.Inputs
	if dispatch := def.On.Dispatch; dispatch != nil {
		resolved, err := dispatch.ResolveInputs(inputs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		inputs = resolved
	} else if len(inputs) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("job %q declares no dispatch inputs", name))
		return
	}

	run, err := h.runner.Submit(r.Context(), runner.SubmitRequest{
		Definition: def,
		Inputs:     inputs,
		Trigger:    job.TriggerDispatch,
	})
	if err != nil {
		if errors.Is(err, runner.ErrDraining) {
			writeDraining(w)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to submit run: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}
