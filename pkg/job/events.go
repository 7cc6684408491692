package job

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of run event.
type EventType string

const (
	// EventRunStarted is emitted when a run begins executing.
	EventRunStarted EventType = "run_started"

	// EventStepStarted is emitted when a step starts.
	EventStepStarted EventType = "step_started"

	// EventStepCompleted is emitted when a step reaches a terminal status.
	EventStepCompleted EventType = "step_completed"

	// EventRunCompleted is emitted when the run reaches its outcome.
	EventRunCompleted EventType = "run_completed"
)

// Event represents a run lifecycle event.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	Job       string                 `json:"job"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventListener is a function that handles run events.
type EventListener func(ctx context.Context, event *Event) error

// EventEmitter dispatches run events to registered listeners. Listeners
// are called synchronously in registration order; a listener error does
// not stop delivery to the others.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
	any       []EventListener
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		listeners: make(map[EventType][]EventListener),
	}
}

// On registers a listener for the specified event type.
func (e *EventEmitter) On(eventType EventType, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[eventType] = append(e.listeners[eventType], listener)
}

// OnAny registers a listener for every event type.
func (e *EventEmitter) OnAny(listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.any = append(e.any, listener)
}

// Emit dispatches an event to all registered listeners.
func (e *EventEmitter) Emit(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := make([]EventListener, 0, len(e.listeners[event.Type])+len(e.any))
	listeners = append(listeners, e.listeners[event.Type]...)
	listeners = append(listeners, e.any...)
	e.mu.RUnlock()

	var lastError error
	for _, listener := range listeners {
		if err := listener(ctx, event); err != nil {
			// Keep delivering; report the last failure.
			lastError = err
		}
	}
	return lastError
}

// EmitRunStarted emits a run start event.
func (e *EventEmitter) EmitRunStarted(ctx context.Context, runID, jobName string, trigger TriggerSource) error {
	return e.Emit(ctx, &Event{
		Type:  EventRunStarted,
		RunID: runID,
		Job:   jobName,
		Data: map[string]interface{}{
			"trigger": string(trigger),
		},
	})
}

// EmitStepStarted emits a step start event.
func (e *EventEmitter) EmitStepStarted(ctx context.Context, runID, jobName, stepID string) error {
	return e.Emit(ctx, &Event{
		Type:  EventStepStarted,
		RunID: runID,
		Job:   jobName,
		Data: map[string]interface{}{
			"step_id": stepID,
		},
	})
}

// EmitStepCompleted emits a step completion event.
func (e *EventEmitter) EmitStepCompleted(ctx context.Context, runID, jobName string, result *StepResult) error {
	data := map[string]interface{}{
		"step_id":     result.ID,
		"status":      string(result.Status),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	return e.Emit(ctx, &Event{
		Type:  EventStepCompleted,
		RunID: runID,
		Job:   jobName,
		Data:  data,
	})
}

// EmitRunCompleted emits a run completion event.
func (e *EventEmitter) EmitRunCompleted(ctx context.Context, runID, jobName string, result *Result) error {
	data := map[string]interface{}{
		"outcome":     string(result.Outcome),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	return e.Emit(ctx, &Event{
		Type:  EventRunCompleted,
		RunID: runID,
		Job:   jobName,
		Data:  data,
	})
}

// ListenerCount returns the number of listeners for a given event type,
// not counting OnAny listeners.
func (e *EventEmitter) ListenerCount(eventType EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[eventType])
}
