package tracing

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	provider := metric.NewMeterProvider()
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m
}

func TestNewMetrics(t *testing.T) {
	m := newTestMetrics(t)
	if m.meter == nil {
		t.Error("expected meter to be set")
	}
}

func TestMetrics_ActiveRunsTracksStartAndComplete(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRunStart(ctx, "run-1", "codebrowser")
	m.RecordRunStart(ctx, "run-2", "codebrowser")

	m.activeRunsMu.RLock()
	active := m.activeRuns
	m.activeRunsMu.RUnlock()
	if active != 2 {
		t.Errorf("expected 2 active runs, got %d", active)
	}

	m.RecordRunComplete(ctx, "codebrowser", "completed", "schedule", 5*time.Second)

	m.activeRunsMu.RLock()
	active = m.activeRuns
	m.activeRunsMu.RUnlock()
	if active != 1 {
		t.Errorf("expected 1 active run after completion, got %d", active)
	}
}

func TestMetrics_ActiveRunsNeverNegative(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRunComplete(context.Background(), "codebrowser", "failed", "dispatch", time.Second)

	m.activeRunsMu.RLock()
	active := m.activeRuns
	m.activeRunsMu.RUnlock()
	if active != 0 {
		t.Errorf("expected active runs to stay at 0, got %d", active)
	}
}

func TestMetrics_QueueDepth(t *testing.T) {
	m := newTestMetrics(t)

	m.IncrementQueueDepth()
	m.IncrementQueueDepth()
	m.DecrementQueueDepth()

	m.queueDepthMu.RLock()
	depth := m.queueDepth
	m.queueDepthMu.RUnlock()
	if depth != 1 {
		t.Errorf("expected queue depth 1, got %d", depth)
	}

	m.DecrementQueueDepth()
	m.DecrementQueueDepth()

	m.queueDepthMu.RLock()
	depth = m.queueDepth
	m.queueDepthMu.RUnlock()
	if depth != 0 {
		t.Errorf("expected queue depth to floor at 0, got %d", depth)
	}
}

func TestMetrics_ParkedRuns(t *testing.T) {
	m := newTestMetrics(t)

	m.IncrementParked()
	m.DecrementParked()
	m.DecrementParked()

	m.parkedMu.RLock()
	parked := m.parked
	m.parkedMu.RUnlock()
	if parked != 0 {
		t.Errorf("expected parked runs to floor at 0, got %d", parked)
	}
}

func TestMetrics_RecordersDoNotPanic(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStepComplete(ctx, "codebrowser", "shell", "success", 100*time.Millisecond)
	m.RecordStepComplete(ctx, "codebrowser", "checkout", "failed", 50*time.Millisecond)
	m.RecordStepComplete(ctx, "codebrowser", "docker-cleanup", "skipped", 0)
	m.RecordSupersession(ctx, "woboq")
	m.RecordScheduleTrigger(ctx, "codebrowser")
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(4)

		go func() {
			defer wg.Done()
			m.IncrementQueueDepth()
			m.DecrementQueueDepth()
		}()

		go func() {
			defer wg.Done()
			m.IncrementParked()
			m.DecrementParked()
		}()

		go func() {
			defer wg.Done()
			m.RecordRunStart(ctx, "run", "codebrowser")
			m.RecordRunComplete(ctx, "codebrowser", "completed", "schedule", time.Millisecond)
		}()

		go func() {
			defer wg.Done()
			m.RecordStepComplete(ctx, "codebrowser", "shell", "success", time.Millisecond)
		}()
	}

	wg.Wait()
}
