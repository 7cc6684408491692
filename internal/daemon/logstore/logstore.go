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

// Package logstore persists run logs as flat files.
//
// The runner streams step output into the store while a run executes;
// once the run is terminal the file is the canonical log served by the
// API. Retention is filesystem-native: logs age by modification time,
// independent of the run history backend.
package logstore

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/upkeep-run/upkeep/pkg/errors"
)

const logSuffix = ".log"

// Store writes and reads run logs on a billy filesystem.
type Store struct {
	fs billy.Filesystem
}

// New creates a store rooted at dir on the host filesystem.
func New(dir string) *Store {
	return &Store{fs: osfs.New(dir)}
}

// NewWithFilesystem creates a store on the given filesystem. Tests use
// this with memfs.
func NewWithFilesystem(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// Create opens a new log file for the run, truncating any previous log
// with the same ID. The caller owns the returned writer.
func (s *Store) Create(runID string) (io.WriteCloser, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	f, err := s.fs.Create(runID + logSuffix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create log for run %s", runID)
	}
	return f, nil
}

// Open returns the log for a run. Returns *errors.NotFoundError when no
// log exists.
func (s *Store) Open(runID string) (io.ReadCloser, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(runID + logSuffix)
	if os.IsNotExist(err) {
		return nil, &errors.NotFoundError{Resource: "run log", ID: runID}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log for run %s", runID)
	}
	return f, nil
}

// Delete removes the log for a run. Deleting a missing log is not an
// error.
func (s *Store) Delete(runID string) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	err := s.fs.Remove(runID + logSuffix)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete log for run %s", runID)
	}
	return nil
}

// DeleteBefore removes logs last modified before cutoff and returns the
// number removed.
func (s *Store) DeleteBefore(cutoff time.Time) (int, error) {
	infos, err := s.fs.ReadDir(".")
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to list logs")
	}

	deleted := 0
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), logSuffix) {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(info.Name()); err != nil && !os.IsNotExist(err) {
			return deleted, errors.Wrapf(err, "failed to delete log %s", info.Name())
		}
		deleted++
	}
	return deleted, nil
}

// checkRunID rejects IDs that would escape the store directory.
func checkRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return &errors.ValidationError{Field: "run_id", Message: "invalid run ID"}
	}
	return nil
}
