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

// Package queue provides the submission queue feeding the run dispatcher.
package queue

import (
	"context"
	"sync"
	"time"
)

// Priorities for queued submissions. Manual dispatches jump ahead of
// scheduled runs so an operator never waits behind the cron backlog.
const (
	PrioritySchedule = 0
	PriorityDispatch = 10
)

// Item represents one admitted run waiting for an execution slot.
// Group coalescing happens before enqueueing; items in the queue are
// always runnable.
type Item struct {
	RunID      string
	JobName    string
	Priority   int
	EnqueuedAt time.Time
}

// Queue defines the interface for submission queue implementations.
type Queue interface {
	// Enqueue adds an item to the queue.
	Enqueue(ctx context.Context, item *Item) error

	// Dequeue removes and returns the next item from the queue.
	// Blocks until an item is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Item, error)

	// Peek returns the next item without removing it.
	Peek(ctx context.Context) (*Item, error)

	// Len returns the number of items in the queue.
	Len() int

	// Close closes the queue.
	Close() error
}

// MemoryQueue is an in-memory queue implementation.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []*Item
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:  make([]*Item, 0),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, item *Item) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	// Insert by priority; equal priorities stay FIFO.
	inserted := false
	for i, queued := range q.items {
		if item.Priority > queued.Priority {
			q.items = append(q.items[:i], append([]*Item{item}, q.items[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.items = append(q.items, item)
	}

	// Signal that an item is available
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the next item from the queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		// Wait for an item or context cancellation
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			// Item may be available, loop again
		}
	}
}

// Peek returns the next item without removing it.
func (q *MemoryQueue) Peek(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, nil
	}
	return q.items[0], nil
}

// Len returns the number of items in the queue.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close closes the queue.
func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

// ErrQueueClosed is returned when operations are performed on a closed queue.
var ErrQueueClosed = &QueueError{message: "queue is closed"}

// QueueError represents a queue-related error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}
