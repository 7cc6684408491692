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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// maxLogLine bounds the scanner buffer for a single streamed log line.
const maxLogLine = 1024 * 1024

// Client talks to the upkeep daemon API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// socketPath is recorded for unix transports so dial failures can
	// be reported as DaemonNotRunningError.
	socketPath string
}

// New creates a daemon client with the given options. Without options
// it connects over the default unix socket.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: "http://localhost", // host is ignored for unix sockets
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		transport := DefaultTransport()
		c.socketPath = transport.SocketPath
		c.httpClient = &http.Client{Transport: transport}
	}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithTransport sets the transport used to reach the daemon.
func WithTransport(transport *Transport) Option {
	return func(c *Client) error {
		c.socketPath = transport.SocketPath
		c.httpClient = &http.Client{Transport: transport}
		return nil
	}
}

// WithAPIKey sets the API key sent as a bearer token.
func WithAPIKey(apiKey string) Option {
	return func(c *Client) error {
		c.apiKey = apiKey
		return nil
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// HealthResponse is the response from /v1/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// VersionResponse is the response from /v1/version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// JobSummary is one entry in the daemon's job list.
type JobSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Triggers    string `json:"triggers,omitempty"`
	Group       string `json:"group,omitempty"`
	Steps       int    `json:"steps"`
}

// Run is the daemon's view of a single run.
type Run struct {
	ID          string           `json:"id"`
	Job         string           `json:"job"`
	Status      string           `json:"status"`
	Trigger     string           `json:"trigger,omitempty"`
	Group       string           `json:"group,omitempty"`
	Inputs      map[string]any   `json:"inputs,omitempty"`
	Steps       []job.StepResult `json:"steps,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// RunFilter narrows a run listing. Zero values match everything.
type RunFilter struct {
	Status string
	Job    string
	Limit  int
}

// Schedule is one entry in the daemon's schedule list.
type Schedule struct {
	Name       string     `json:"name"`
	Job        string     `json:"job"`
	Cron       string     `json:"cron"`
	Timezone   string     `json:"timezone,omitempty"`
	Enabled    bool       `json:"enabled"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
}

// PruneResult reports what a prune removed.
type PruneResult struct {
	Runs int `json:"runs"`
	Logs int `json:"logs"`
}

// LogEvent is one event from a followed log stream. Done marks the end
// of the stream, with Status carrying the run's terminal status.
type LogEvent struct {
	Line   string
	Done   bool
	Status string
}

// Health returns the daemon health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.getJSON(ctx, "/v1/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Version returns the daemon version information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var version VersionResponse
	if err := c.getJSON(ctx, "/v1/version", &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Ping checks whether the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// Jobs lists the job definitions the daemon has loaded.
func (c *Client) Jobs(ctx context.Context) ([]JobSummary, error) {
	var result struct {
		Jobs []JobSummary `json:"jobs"`
	}
	if err := c.getJSON(ctx, "/v1/jobs", &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// Job returns the full definition of a loaded job.
func (c *Client) Job(ctx context.Context, name string) (*job.Definition, error) {
	var def job.Definition
	if err := c.getJSON(ctx, "/v1/jobs/"+url.PathEscape(name), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Dispatch triggers a manual run of a job. Inputs may be nil for jobs
// whose dispatch trigger declares no inputs.
func (c *Client) Dispatch(ctx context.Context, name string, inputs map[string]any) (*Run, error) {
	body := map[string]any{}
	if len(inputs) > 0 {
		body["inputs"] = inputs
	}

	var run Run
	if err := c.postJSON(ctx, "/v1/jobs/"+url.PathEscape(name)+"/dispatch", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Runs lists runs, newest first.
func (c *Client) Runs(ctx context.Context, filter RunFilter) ([]Run, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Job != "" {
		q.Set("job", filter.Job)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result struct {
		Runs []Run `json:"runs"`
	}
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

// Run returns a single run by ID.
func (c *Client) Run(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.getJSON(ctx, "/v1/runs/"+url.PathEscape(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RunLogs returns the captured log lines of a run.
func (c *Client) RunLogs(ctx context.Context, id string) ([]string, error) {
	var result struct {
		Lines []string `json:"lines"`
	}
	if err := c.getJSON(ctx, "/v1/runs/"+url.PathEscape(id)+"/logs", &result); err != nil {
		return nil, err
	}
	return result.Lines, nil
}

// FollowRunLogs streams log lines of a run until it completes, calling
// fn for each event. A non-nil error from fn stops the stream and is
// returned. The final event has Done set.
func (c *Client) FollowRunLogs(ctx context.Context, id string, fn func(LogEvent) error) error {
	resp, err := c.GetStream(ctx, "/v1/runs/"+url.PathEscape(id)+"/logs", "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if event == "done" {
				var done struct {
					Status string `json:"status"`
				}
				if err := json.Unmarshal([]byte(data), &done); err != nil {
					done.Status = data
				}
				return fn(LogEvent{Done: true, Status: done.Status})
			}
			if err := fn(LogEvent{Line: data}); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

// CancelRun cancels a queued or running run.
func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.del(ctx, "/v1/runs/"+url.PathEscape(id))
}

// PruneRuns deletes finished runs older than the given age and returns
// what was removed.
func (c *Client) PruneRuns(ctx context.Context, olderThan time.Duration) (*PruneResult, error) {
	body := map[string]string{"older_than": olderThan.String()}

	var result PruneResult
	if err := c.postJSON(ctx, "/v1/runs/prune", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Schedules lists the daemon's schedules.
func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	var result struct {
		Schedules []Schedule `json:"schedules"`
	}
	if err := c.getJSON(ctx, "/v1/schedules", &result); err != nil {
		return nil, err
	}
	return result.Schedules, nil
}

// Schedule returns a single schedule by name.
func (c *Client) Schedule(ctx context.Context, name string) (*Schedule, error) {
	var sched Schedule
	if err := c.getJSON(ctx, "/v1/schedules/"+url.PathEscape(name), &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// EnableSchedule resumes cron triggering for a schedule.
func (c *Client) EnableSchedule(ctx context.Context, name string) error {
	return c.postJSON(ctx, "/v1/schedules/"+url.PathEscape(name)+"/enable", nil, nil)
}

// DisableSchedule pauses cron triggering for a schedule.
func (c *Client) DisableSchedule(ctx context.Context, name string) error {
	return c.postJSON(ctx, "/v1/schedules/"+url.PathEscape(name)+"/disable", nil, nil)
}

// Get performs a GET request and returns the raw JSON response. Used
// for query-style output where the server's exact shape matters.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return json.RawMessage(data), nil
}

// GetStream performs a GET request with the given Accept header and
// returns the open response. The caller owns the body.
func (c *Client) GetStream(ctx context.Context, path, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.wrapDialError(err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, c.apiError(resp)
	}

	return resp, nil
}

// getJSON performs a GET request and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// postJSON performs a POST request with a JSON body and decodes the
// response into out when out is non-nil.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.wrapDialError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.apiError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// get performs a GET request against the daemon API.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.wrapDialError(err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, c.apiError(resp)
	}

	return resp, nil
}

// del performs a DELETE request against the daemon API.
func (c *Client) del(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.wrapDialError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.apiError(resp)
	}
	return nil
}

// addAuth adds the bearer token when an API key is configured.
func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// apiError converts an error response into an APIError, preferring the
// daemon's {"error": ...} message over the raw body.
func (c *Client) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var payload struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &APIError{Status: resp.StatusCode, Message: message}
}

// wrapDialError converts unix socket dial failures into
// DaemonNotRunningError so callers can print startup guidance.
func (c *Client) wrapDialError(err error) error {
	if c.socketPath == "" {
		return fmt.Errorf("request failed: %w", err)
	}

	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return &DaemonNotRunningError{SocketPath: c.socketPath, Err: err}
	}
	return fmt.Errorf("request failed: %w", err)
}
