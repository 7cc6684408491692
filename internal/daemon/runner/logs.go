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

package runner

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/upkeep-run/upkeep/internal/log"
	"github.com/upkeep-run/upkeep/pkg/errors"
)

// maxBufferedLines bounds the in-memory log history per run. The log
// store on disk keeps the full output.
const maxBufferedLines = 10000

// LogEntry is one line of run output.
type LogEntry struct {
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

// logSubscriber wraps a subscriber channel so that unsubscribe and
// buffer close can race without a double close.
type logSubscriber struct {
	ch   chan LogEntry
	once sync.Once
}

func (s *logSubscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// LogBuffer assembles a run's output stream into lines and fans them
// out to subscribers. It is the live counterpart of the run's log file.
type LogBuffer struct {
	mu      sync.Mutex
	lines   []LogEntry
	partial []byte
	subs    []*logSubscriber
	closed  bool
}

// NewLogBuffer creates an empty log buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

// Write implements io.Writer. Input is split on newlines; incomplete
// lines are held back until completed or the buffer is closed.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return len(p), nil
	}

	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		line := string(b.partial[:i])
		b.partial = b.partial[i+1:]
		b.appendLocked(line)
	}
	return len(p), nil
}

// appendLocked records one line and notifies subscribers. Slow
// subscribers miss entries rather than stalling the run.
func (b *LogBuffer) appendLocked(line string) {
	entry := LogEntry{Time: time.Now(), Line: line}

	if len(b.lines) >= maxBufferedLines {
		// Keep the tail; the log file has the full output.
		b.lines = append([]LogEntry(nil), b.lines[maxBufferedLines/2:]...)
	}
	b.lines = append(b.lines, entry)

	for _, sub := range b.subs {
		select {
		case sub.ch <- entry:
		default:
		}
	}
}

// Subscribe returns the buffered history plus a channel of subsequent
// entries. The channel is closed when the run finishes. The returned
// function unsubscribes; calling it more than once is safe.
func (b *LogBuffer) Subscribe() ([]LogEntry, <-chan LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := append([]LogEntry(nil), b.lines...)
	sub := &logSubscriber{ch: make(chan LogEntry, 100)}

	if b.closed {
		sub.close()
		return history, sub.ch, func() {}
	}

	b.subs = append(b.subs, sub)
	unsub := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return history, sub.ch, unsub
}

// History returns a copy of the buffered lines.
func (b *LogBuffer) History() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LogEntry(nil), b.lines...)
}

// Close flushes any incomplete line and closes all subscriber
// channels. Later writes are discarded.
func (b *LogBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if len(b.partial) > 0 {
		b.appendLocked(string(b.partial))
		b.partial = nil
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = nil
}

// LogAggregator indexes the log buffers of live runs by run ID.
type LogAggregator struct {
	mu      sync.RWMutex
	buffers map[string]*LogBuffer
}

// NewLogAggregator creates an empty aggregator.
func NewLogAggregator() *LogAggregator {
	return &LogAggregator{buffers: make(map[string]*LogBuffer)}
}

// Register adds a run's buffer.
func (a *LogAggregator) Register(runID string, buf *LogBuffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers[runID] = buf
}

// Get returns a run's buffer, or nil.
func (a *LogAggregator) Get(runID string) *LogBuffer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.buffers[runID]
}

// Subscribe attaches to a live run's log stream.
func (a *LogAggregator) Subscribe(runID string) ([]LogEntry, <-chan LogEntry, func(), error) {
	buf := a.Get(runID)
	if buf == nil {
		return nil, nil, nil, &errors.NotFoundError{Resource: "run log", ID: runID}
	}
	history, ch, unsub := buf.Subscribe()
	return history, ch, unsub, nil
}

// Remove drops a run's buffer once the run has finished and its log
// lives in the log store.
func (a *LogAggregator) Remove(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, runID)
}

// traceWriter mirrors run output into the daemon log at trace level, so
// UPKEEP_LOG_LEVEL=trace shows step output inline without tailing
// individual run logs. Steps run sequentially, so writes never race.
type traceWriter struct {
	logger  *slog.Logger
	runID   string
	partial []byte
}

func (w *traceWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := string(w.partial[:i])
		w.partial = w.partial[i+1:]
		log.Trace(w.logger, line, slog.String(log.RunIDKey, w.runID))
	}
	return len(p), nil
}
