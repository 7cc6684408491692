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

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/upkeep-run/upkeep/pkg/errors"
)

// testClient starts an httptest server for handler and returns a client
// pointed at it.
func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.baseURL = server.URL
	return c
}

func TestClientHealth(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"timestamp": "2025-01-01T00:00:00Z",
			"uptime":    "1h0m0s",
		})
	}))

	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %s", health.Status)
	}
}

func TestClientVersion(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/version" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"version":    "1.0.0",
			"commit":     "abc123",
			"build_date": "2025-01-01",
			"go_version": "go1.25",
			"os":         "linux",
			"arch":       "amd64",
		})
	}))

	version, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if version.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", version.Version)
	}
}

func TestClientAuthHeader(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}))
	c.apiKey = "test-key"

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}

func TestClientJobs(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jobs": []map[string]any{
				{"name": "codebrowser", "triggers": "schedule, dispatch", "group": "woboq", "steps": 4},
			},
			"count": 1,
		})
	}))

	jobs, err := c.Jobs(context.Background())
	if err != nil {
		t.Fatalf("Jobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Name != "codebrowser" || jobs[0].Steps != 4 {
		t.Errorf("unexpected job: %+v", jobs[0])
	}
}

func TestClientDispatch(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/jobs/codebrowser/dispatch" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req struct {
			Inputs map[string]any `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Inputs["ref"] != "master" {
			t.Errorf("expected ref input 'master', got %v", req.Inputs["ref"])
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "run-1",
			"job":        "codebrowser",
			"status":     "queued",
			"trigger":    "dispatch",
			"created_at": time.Now().UTC().Format(time.RFC3339),
		})
	}))

	run, err := c.Dispatch(context.Background(), "codebrowser", map[string]any{"ref": "master"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if run.ID != "run-1" || run.Status != "queued" {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestClientRunsFilter(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "failed" || q.Get("job") != "codebrowser" || q.Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"runs": []map[string]any{
				{"id": "run-2", "job": "codebrowser", "status": "failed", "created_at": "2025-01-01T00:00:00Z"},
			},
			"count": 1,
		})
	}))

	runs, err := c.Runs(context.Background(), RunFilter{Status: "failed", Job: "codebrowser", Limit: 5})
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-2" {
		t.Errorf("unexpected runs: %+v", runs)
	}
}

func TestClientRunLogs(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/run-3/logs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"lines": []string{"step started", "step finished"},
			"count": 2,
		})
	}))

	lines, err := c.RunLogs(context.Background(), "run-3")
	if err != nil {
		t.Fatalf("RunLogs failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != "step started" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestClientFollowRunLogs(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: line one\n\n")
		fmt.Fprint(w, "data: line two\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"status\":\"success\"}\n\n")
	}))

	var lines []string
	var final LogEvent
	err := c.FollowRunLogs(context.Background(), "run-4", func(ev LogEvent) error {
		if ev.Done {
			final = ev
			return nil
		}
		lines = append(lines, ev.Line)
		return nil
	})
	if err != nil {
		t.Fatalf("FollowRunLogs failed: %v", err)
	}

	if len(lines) != 2 || lines[1] != "line two" {
		t.Errorf("unexpected lines: %v", lines)
	}
	if !final.Done || final.Status != "success" {
		t.Errorf("unexpected final event: %+v", final)
	}
}

func TestClientFollowRunLogsCallbackError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: line one\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"status\":\"success\"}\n\n")
	}))

	stop := errors.New("stop")
	err := c.FollowRunLogs(context.Background(), "run-5", func(ev LogEvent) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestClientCancelRun(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/runs/run-6" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	}))

	if err := c.CancelRun(context.Background(), "run-6"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
}

func TestClientPruneRuns(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/runs/prune" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req struct {
			OlderThan string `json:"older_than"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.OlderThan != "24h0m0s" {
			t.Errorf("expected older_than '24h0m0s', got %q", req.OlderThan)
		}

		json.NewEncoder(w).Encode(map[string]int{"runs": 3, "logs": 2})
	}))

	result, err := c.PruneRuns(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneRuns failed: %v", err)
	}
	if result.Runs != 3 || result.Logs != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClientSchedules(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"schedules": []map[string]any{
				{
					"name":     "codebrowser",
					"job":      "codebrowser",
					"cron":     "0 */18 * * *",
					"enabled":  true,
					"next_run": "2025-01-02T06:00:00Z",
				},
			},
			"count": 1,
		})
	}))

	schedules, err := c.Schedules(context.Background())
	if err != nil {
		t.Fatalf("Schedules failed: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(schedules))
	}
	if schedules[0].Cron != "0 */18 * * *" || !schedules[0].Enabled {
		t.Errorf("unexpected schedule: %+v", schedules[0])
	}
}

func TestClientEnableDisableSchedule(t *testing.T) {
	var paths []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))

	ctx := context.Background()
	if err := c.DisableSchedule(ctx, "codebrowser"); err != nil {
		t.Fatalf("DisableSchedule failed: %v", err)
	}
	if err := c.EnableSchedule(ctx, "codebrowser"); err != nil {
		t.Fatalf("EnableSchedule failed: %v", err)
	}

	want := []string{"/v1/schedules/codebrowser/disable", "/v1/schedules/codebrowser/enable"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("unexpected paths: %v", paths)
	}
}

func TestClientAPIError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "run not found"})
	}))

	_, err := c.Run(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "run not found" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
}

func TestClientWithUnixSocket(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test.sock")

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("failed to create unix socket: %v", err)
	}
	defer ln.Close()

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
		}),
	}
	go server.Serve(ln)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	c, err := New(WithTransport(NewUnixTransport(socketPath)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping via unix socket failed: %v", err)
	}
}

func TestClientUnixSocketNotRunning(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "absent.sock")

	c, err := New(WithTransport(NewUnixTransport(socketPath)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = c.Ping(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var dnr *DaemonNotRunningError
	if !errors.As(err, &dnr) {
		t.Fatalf("expected DaemonNotRunningError, got %T: %v", err, err)
	}
	if dnr.SocketPath != socketPath {
		t.Errorf("expected socket path %s, got %s", socketPath, dnr.SocketPath)
	}
	if !IsDaemonNotRunning(err) {
		t.Error("IsDaemonNotRunning should report true")
	}
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		name       string
		host       string
		wantSocket string
		wantTCP    string
		wantErr    bool
	}{
		{
			name:       "unix socket",
			host:       "unix:///var/run/upkeep.sock",
			wantSocket: "/var/run/upkeep.sock",
		},
		{
			name:    "tcp address",
			host:    "tcp://localhost:9000",
			wantTCP: "localhost:9000",
		},
		{
			name:    "https address",
			host:    "https://upkeep.example.com:9000",
			wantTCP: "upkeep.example.com:9000",
		},
		{
			name:    "plain http rejected",
			host:    "http://localhost:9000",
			wantErr: true,
		},
		{
			name:    "invalid scheme",
			host:    "ftp://localhost:9000",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := ParseHost(tt.host)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.wantSocket != "" && transport.SocketPath != tt.wantSocket {
				t.Errorf("expected socket path %s, got %s", tt.wantSocket, transport.SocketPath)
			}
			if tt.wantTCP != "" && transport.TCPAddr != tt.wantTCP {
				t.Errorf("expected TCP addr %s, got %s", tt.wantTCP, transport.TCPAddr)
			}
		})
	}
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got, want := DefaultSocketPath(), "/run/user/1000/upkeep/upkeep.sock"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	path := DefaultSocketPath()
	if path == "" {
		t.Fatal("DefaultSocketPath returned empty string")
	}
	if filepath.Base(path) != "upkeep.sock" {
		t.Errorf("expected path to end with upkeep.sock, got %s", path)
	}
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv(UpkeepHostEnv, "tcp://localhost:9000")
	t.Setenv(UpkeepAPIKeyEnv, "env-key")

	c, err := FromEnvironment()
	if err != nil {
		t.Fatalf("FromEnvironment failed: %v", err)
	}
	if c.apiKey != "env-key" {
		t.Errorf("expected API key from environment, got %q", c.apiKey)
	}

	t.Setenv(UpkeepHostEnv, "gopher://nope")
	if _, err := FromEnvironment(); err == nil {
		t.Error("expected error for invalid host")
	}
}

func TestIsDaemonNotRunning(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "unrelated error", err: errors.New("boom"), want: false},
		{
			name: "typed error",
			err:  &DaemonNotRunningError{SocketPath: "/tmp/test.sock"},
			want: true,
		},
		{
			name: "wrapped typed error",
			err:  fmt.Errorf("ping: %w", &DaemonNotRunningError{SocketPath: "/tmp/test.sock"}),
			want: true,
		},
		{
			name: "connection refused string",
			err:  errors.New("dial unix /tmp/x.sock: connect: connection refused"),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDaemonNotRunning(tt.err); got != tt.want {
				t.Errorf("IsDaemonNotRunning() = %v, want %v", got, tt.want)
			}
		})
	}
}
