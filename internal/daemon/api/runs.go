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
	"bufio"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/upkeep-run/upkeep/internal/daemon/backend"
	"github.com/upkeep-run/upkeep/internal/daemon/logstore"
	"github.com/upkeep-run/upkeep/internal/daemon/runner"
	"github.com/upkeep-run/upkeep/pkg/errors"
)

// maxStoredLogLine bounds single log lines read back from the log store.
const maxStoredLogLine = 1024 * 1024

// RunsHandler handles run-related API requests. Live runs come from the
// runner, terminal runs from the backend; responses stitch the two views
// together.
type RunsHandler struct {
	runner *runner.Runner
	store  backend.RunStore
	logs   *logstore.Store
}

// NewRunsHandler creates a new runs handler. The log store may be nil,
// in which case logs of finished runs are gone.
func NewRunsHandler(r *runner.Runner, store backend.RunStore, logs *logstore.Store) *RunsHandler {
	return &RunsHandler{
		runner: r,
		store:  store,
		logs:   logs,
	}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/logs", h.handleGetLogs)
	mux.HandleFunc("DELETE /v1/runs/{id}", h.handleCancel)
	mux.HandleFunc("POST /v1/runs/prune", h.handlePrune)
}

// handleList handles GET /v1/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	jobName := r.URL.Query().Get("job")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", raw))
			return
		}
		limit = n
	}

	live := h.runner.List(runner.ListFilter{
		Status: runner.RunStatus(status),
		Job:    jobName,
	})

	stored, err := h.store.ListRuns(r.Context(), backend.RunFilter{
		Status: status,
		Job:    jobName,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}

	// A run can appear in both views around the moment it finishes; the
	// live snapshot wins.
	seen := make(map[string]struct{}, len(live))
	runs := make([]*runner.RunSnapshot, 0, len(live)+len(stored))
	for _, snap := range live {
		seen[snap.ID] = struct{}{}
		runs = append(runs, snap)
	}
	for _, rec := range stored {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		runs = append(runs, runner.SnapshotFromRecord(rec))
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// lookup finds a run by ID in the live set first, then the backend.
func (h *RunsHandler) lookup(r *http.Request, id string) (*runner.RunSnapshot, error) {
	snap, err := h.runner.Get(id)
	if err == nil {
		return snap, nil
	}

	if !errors.IsNotFound(err) {
		return nil, err
	}

	rec, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return runner.SnapshotFromRecord(rec), nil
}

// handleGet handles GET /v1/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run ID required")
		return
	}

	snap, err := h.lookup(r, id)
	if err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleGetLogs handles GET /v1/runs/{id}/logs.
// Returns buffered log lines as JSON, or streams them as SSE when the
// client sends Accept: text/event-stream.
func (h *RunsHandler) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run ID required")
		return
	}

	snap, err := h.lookup(r, id)
	if err != nil {
		if errors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamLogs(w, r, snap)
		return
	}

	lines, err := h.logLines(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read logs: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lines": lines,
		"count": len(lines),
	})
}

// logLines returns the run's log lines: the live buffer for runs still
// in flight, the log store for finished ones.
func (h *RunsHandler) logLines(snap *runner.RunSnapshot) ([]string, error) {
	if !snap.Status.Terminal() {
		history, _, unsub, err := h.runner.Subscribe(snap.ID)
		if err == nil {
			unsub()
			lines := make([]string, len(history))
			for i, entry := range history {
				lines[i] = entry.Line
			}
			return lines, nil
		}
		// The run finished between lookup and subscribe; fall through to
		// the stored log.
	}
	return h.storedLines(snap.ID)
}

// storedLines reads a finished run's log from the log store.
func (h *RunsHandler) storedLines(id string) ([]string, error) {
	lines := []string{}
	if h.logs == nil {
		return lines, nil
	}

	rc, err := h.logs.Open(id)
	if err != nil {
		if errors.IsNotFound(err) {
			// Runs that never started have no log file.
			return lines, nil
		}
		return nil, err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStoredLogLine)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// streamLogs streams a run's log lines via SSE, followed by a done event
// carrying the terminal status.
func (h *RunsHandler) streamLogs(w http.ResponseWriter, r *http.Request, snap *runner.RunSnapshot) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if snap.Status.Terminal() {
		lines, err := h.storedLines(snap.ID)
		if err == nil {
			for _, line := range lines {
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
		}
		h.writeDone(w, string(snap.Status))
		flusher.Flush()
		return
	}

	history, ch, unsub, err := h.runner.Subscribe(snap.ID)
	if err != nil {
		// Finished in the meantime; replay from storage.
		lines, rerr := h.storedLines(snap.ID)
		if rerr == nil {
			for _, line := range lines {
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
		}
		h.writeDone(w, h.finalStatus(r, snap.ID))
		flusher.Flush()
		return
	}
	defer unsub()

	for _, entry := range history {
		fmt.Fprintf(w, "data: %s\n\n", entry.Line)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				// Channel closes when the run finishes.
				h.writeDone(w, h.finalStatus(r, snap.ID))
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", entry.Line)
			flusher.Flush()
		}
	}
}

// finalStatus resolves the terminal status of a run that just finished.
func (h *RunsHandler) finalStatus(r *http.Request, id string) string {
	if snap, err := h.runner.Get(id); err == nil {
		return string(snap.Status)
	}
	if rec, err := h.store.GetRun(r.Context(), id); err == nil {
		return rec.Status
	}
	return string(runner.RunStatusCompleted)
}

// writeDone emits the SSE completion event.
func (h *RunsHandler) writeDone(w http.ResponseWriter, status string) {
	fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", status)
}

// handleCancel handles DELETE /v1/runs/{id}.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run ID required")
		return
	}

	if err := h.runner.Cancel(id); err != nil {
		if !errors.IsNotFound(err) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		// Not live: distinguish finished runs from unknown IDs.
		if _, serr := h.store.GetRun(r.Context(), id); serr == nil {
			writeError(w, http.StatusConflict, fmt.Sprintf("run %s already finished", id))
		} else {
			writeError(w, http.StatusNotFound, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "cancelled",
		"message": "run cancelled",
	})
}

// PruneRequest is the request body for POST /v1/runs/prune.
type PruneRequest struct {
	// OlderThan is a Go duration string; terminal runs that finished
	// longer ago than this are deleted.
	OlderThan string `json:"older_than"`
}

// handlePrune handles POST /v1/runs/prune.
func (h *RunsHandler) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OlderThan == "" {
		writeError(w, http.StatusBadRequest, "older_than required")
		return
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid older_than: %q", req.OlderThan))
		return
	}

	runs, logs, err := h.runner.Prune(r.Context(), time.Now().Add(-age))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to prune runs: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"runs": runs,
		"logs": logs,
	})
}
