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

// Package watcher loads job definitions from the jobs directory and
// hot-reloads them when files change.
//
// The watcher is the daemon's source of truth for the loaded definition
// set: the API lists and dispatches jobs from it, and every reload is
// pushed to the scheduler so schedules stay in sync with the files. A
// file that stops parsing keeps its previously loaded definition until
// it parses again, so an editing mistake never takes a job offline.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

const defaultDebounce = 500 * time.Millisecond

// Syncer receives the definition set after every reload. The scheduler
// implements it.
type Syncer interface {
	SyncJobs(ctx context.Context, defs []*job.Definition)
}

// Watcher watches a directory of job definition files.
type Watcher struct {
	dir      string
	syncer   Syncer
	logger   *slog.Logger
	debounce time.Duration
	defaults job.Defaults

	fsw *fsnotify.Watcher

	mu     sync.RWMutex
	byFile map[string]*job.Definition
	byName map[string]*job.Definition

	cancel  context.CancelFunc
	doneCh  chan struct{}
	running bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger.With(slog.String("component", "watcher")) }
}

// WithDebounce overrides the reload debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithJobDefaults sets job-wide defaults filled into definitions that
// do not configure them.
func WithJobDefaults(d job.Defaults) Option {
	return func(w *Watcher) { w.defaults = d }
}

// New creates a watcher for the given jobs directory. The directory
// must exist.
func New(dir string, syncer Syncer, opts ...Option) (*Watcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve jobs directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := fsw.Add(absDir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch jobs directory %s", absDir)
	}

	w := &Watcher{
		dir:      absDir,
		syncer:   syncer,
		logger:   slog.Default().With(slog.String("component", "watcher")),
		debounce: defaultDebounce,
		fsw:      fsw,
		byFile:   make(map[string]*job.Definition),
		byName:   make(map[string]*job.Definition),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// isDefinitionFile reports whether a path looks like a job definition.
func isDefinitionFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

// Reload re-parses every definition file in the directory and pushes
// the result to the syncer. Files that fail to parse are logged and
// keep the definition they last parsed to, if any. The returned error
// only covers reading the directory itself.
func (w *Watcher) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return errors.Wrap(err, "failed to read jobs directory")
	}

	w.mu.RLock()
	prev := w.byFile
	w.mu.RUnlock()

	next := make(map[string]*job.Definition)
	failures := 0
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())

		def, err := job.LoadDefinitionWithDefaults(path, w.defaults)
		if err != nil {
			failures++
			w.logger.Error("failed to load job definition",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			if old, ok := prev[path]; ok {
				next[path] = old
				w.logger.Warn("keeping previously loaded definition",
					slog.String("file", path),
					slog.String("job", old.Name),
				)
			}
			continue
		}
		next[path] = def
	}

	// First file wins on duplicate job names so the outcome is stable
	// across reloads.
	paths := make([]string, 0, len(next))
	for path := range next {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	byName := make(map[string]*job.Definition, len(next))
	for _, path := range paths {
		def := next[path]
		if _, ok := byName[def.Name]; ok {
			w.logger.Warn("duplicate job name, ignoring file",
				slog.String("job", def.Name),
				slog.String("file", path),
			)
			delete(next, path)
			continue
		}
		byName[def.Name] = def
	}

	w.mu.Lock()
	w.byFile = next
	w.byName = byName
	w.mu.Unlock()

	defs := make([]*job.Definition, 0, len(byName))
	for _, name := range sortedNames(byName) {
		defs = append(defs, byName[name])
	}

	w.logger.Info("job definitions loaded",
		slog.Int("jobs", len(defs)),
		slog.Int("failures", failures),
	)
	w.syncer.SyncJobs(ctx, defs)
	return nil
}

func sortedNames(byName map[string]*job.Definition) []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Jobs returns the loaded definitions, sorted by name.
func (w *Watcher) Jobs() []*job.Definition {
	w.mu.RLock()
	defer w.mu.RUnlock()

	defs := make([]*job.Definition, 0, len(w.byName))
	for _, name := range sortedNames(w.byName) {
		defs = append(defs, w.byName[name])
	}
	return defs
}

// Job returns one loaded definition by name.
func (w *Watcher) Job(name string) (*job.Definition, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	def, ok := w.byName[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job", ID: name}
	}
	return def, nil
}

// JobCount returns the number of loaded definitions.
func (w *Watcher) JobCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.byName)
}

// Start begins watching for file changes. Idempotent.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx)
	w.logger.Info("watching jobs directory", slog.String("dir", w.dir))
}

// Stop stops watching and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	<-w.doneCh
	w.fsw.Close()
}

// processEvents collapses bursts of file events into a single reload.
// Editors and checkouts touch files several times in quick succession;
// the debounce timer restarts on every relevant event and the reload
// runs once it expires.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("definition file changed",
				slog.String("file", event.Name),
				slog.String("op", event.Op.String()),
			)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", slog.String("error", err.Error()))

		case <-fire:
			timer = nil
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Error("reload failed", slog.String("error", err.Error()))
			}
		}
	}
}
