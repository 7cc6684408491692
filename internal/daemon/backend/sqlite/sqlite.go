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

// Package sqlite provides a durable backend implementation for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/upkeep-run/upkeep/internal/daemon/backend"
	"github.com/upkeep-run/upkeep/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore      = (*Backend)(nil)
	_ backend.ScheduleStore = (*Backend)(nil)
	_ backend.Backend       = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend, running migrations as needed.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so use a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations. Every statement is idempotent so the
// list can only grow.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			job TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_by TEXT,
			run_group TEXT,
			inputs TEXT,
			steps TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job_started_at ON runs(job, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS schedule_states (
			name TEXT PRIMARY KEY,
			last_run TEXT,
			run_count INTEGER DEFAULT 0,
			error_count INTEGER DEFAULT 0,
			enabled INTEGER DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveRun inserts or updates a run record.
func (b *Backend) SaveRun(ctx context.Context, run *backend.Run) error {
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	// created_at is written once and never updated.
	query := `
		INSERT INTO runs (id, job, status, triggered_by, run_group, inputs, steps, error,
			started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			job = excluded.job,
			status = excluded.status,
			triggered_by = excluded.triggered_by,
			run_group = excluded.run_group,
			inputs = excluded.inputs,
			steps = excluded.steps,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = b.db.ExecContext(ctx, query,
		run.ID, run.Job, run.Status, nullString(run.Trigger), nullString(run.Group),
		nullJSON(inputsJSON), nullJSON(stepsJSON), nullString(run.Error),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		formatStamp(run.CreatedAt), formatStamp(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

const runColumns = `id, job, status, triggered_by, run_group, inputs, steps, error,
	started_at, completed_at, created_at, updated_at`

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Job != "" {
		query += " AND job = ?"
		args = append(args, filter.Job)
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

// DeleteRunsBefore deletes runs that finished before cutoff. Runs that
// never started age by their creation time.
func (b *Backend) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM runs WHERE COALESCE(completed_at, created_at) < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}
	return int(deleted), nil
}

// SaveScheduleState saves or updates a schedule state.
func (b *Backend) SaveScheduleState(ctx context.Context, state *backend.ScheduleState) error {
	query := `
		INSERT INTO schedule_states (name, last_run, run_count, error_count, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			last_run = excluded.last_run,
			run_count = excluded.run_count,
			error_count = excluded.error_count,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	enabled := 0
	if state.Enabled {
		enabled = 1
	}

	_, err := b.db.ExecContext(ctx, query,
		state.Name, formatTime(state.LastRun),
		state.RunCount, state.ErrorCount, enabled, formatStamp(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule state: %w", err)
	}

	state.UpdatedAt = now
	return nil
}

// GetScheduleState retrieves a schedule state by name.
func (b *Backend) GetScheduleState(ctx context.Context, name string) (*backend.ScheduleState, error) {
	query := `
		SELECT name, last_run, run_count, error_count, enabled, updated_at
		FROM schedule_states WHERE name = ?
	`

	var state backend.ScheduleState
	var lastRun, updatedAt sql.NullString
	var enabled int

	err := b.db.QueryRowContext(ctx, query, name).Scan(
		&state.Name, &lastRun,
		&state.RunCount, &state.ErrorCount, &enabled, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "schedule state", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}

	state.LastRun = parseTime(lastRun)
	state.UpdatedAt = parseStamp(updatedAt)
	state.Enabled = enabled == 1

	return &state, nil
}

// ListScheduleStates returns all schedule states sorted by name.
func (b *Backend) ListScheduleStates(ctx context.Context) ([]*backend.ScheduleState, error) {
	query := `
		SELECT name, last_run, run_count, error_count, enabled, updated_at
		FROM schedule_states ORDER BY name
	`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule states: %w", err)
	}
	defer rows.Close()

	var states []*backend.ScheduleState
	for rows.Next() {
		var state backend.ScheduleState
		var lastRun, updatedAt sql.NullString
		var enabled int

		err := rows.Scan(
			&state.Name, &lastRun,
			&state.RunCount, &state.ErrorCount, &enabled, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule state: %w", err)
		}

		state.LastRun = parseTime(lastRun)
		state.UpdatedAt = parseStamp(updatedAt)
		state.Enabled = enabled == 1

		states = append(states, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list schedule states: %w", err)
	}

	return states, nil
}

// DeleteScheduleState deletes a schedule state.
func (b *Backend) DeleteScheduleState(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM schedule_states WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete schedule state: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun reads one run row.
func scanRun(s scanner) (*backend.Run, error) {
	var run backend.Run
	var trigger, group, inputsJSON, stepsJSON, errorStr sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := s.Scan(
		&run.ID, &run.Job, &run.Status, &trigger, &group,
		&inputsJSON, &stepsJSON, &errorStr,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Trigger = trigger.String
	run.Group = group.String
	run.Error = errorStr.String

	if inputsJSON.Valid && inputsJSON.String != "" {
		if err := json.Unmarshal([]byte(inputsJSON.String), &run.Inputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
		}
	}
	if stepsJSON.Valid && stepsJSON.String != "" {
		if err := json.Unmarshal([]byte(stepsJSON.String), &run.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}

	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	run.CreatedAt = parseStamp(createdAt)
	run.UpdatedAt = parseStamp(updatedAt)

	return &run, nil
}

// Helper functions

// formatTime converts a *time.Time to an RFC3339 UTC string or nil.
// UTC keeps lexicographic and chronological order aligned in the database.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// formatStamp converts a non-nullable timestamp to an RFC3339 UTC string.
func formatStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime converts a nullable column back to *time.Time.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// parseStamp converts a non-nullable column back to time.Time.
func parseStamp(s sql.NullString) time.Time {
	if t := parseTime(s); t != nil {
		return *t
	}
	return time.Time{}
}

// nullString returns nil if the string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullJSON returns nil for empty or null JSON, otherwise the encoded text.
func nullJSON(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}
