package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the daemon's Prometheus-compatible metrics. It
// implements the collector interfaces declared by the runner and the
// scheduler.
type Metrics struct {
	meter metric.Meter

	runsTotal        metric.Int64Counter
	stepsTotal       metric.Int64Counter
	scheduleTriggers metric.Int64Counter
	supersessions    metric.Int64Counter

	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram

	// Gauge state, read by observable gauge callbacks.
	activeRuns   int64
	activeRunsMu sync.RWMutex
	parked       int64
	parkedMu     sync.RWMutex
	queueDepth   int64
	queueDepthMu sync.RWMutex
}

// NewMetrics creates the collector and registers its instruments on the
// given meter provider.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("upkeepd")

	m := &Metrics{meter: meter}

	var err error

	m.runsTotal, err = meter.Int64Counter(
		"upkeepd_runs_total",
		metric.WithDescription("Total number of job runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepsTotal, err = meter.Int64Counter(
		"upkeepd_steps_total",
		metric.WithDescription("Total number of steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	m.scheduleTriggers, err = meter.Int64Counter(
		"upkeepd_schedule_triggers_total",
		metric.WithDescription("Total number of schedule firings"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return nil, err
	}

	m.supersessions, err = meter.Int64Counter(
		"upkeepd_supersessions_total",
		metric.WithDescription("Total number of pending runs superseded by newer submissions"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram(
		"upkeepd_run_duration_seconds",
		metric.WithDescription("Job run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.stepDuration, err = meter.Float64Histogram(
		"upkeepd_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"upkeepd_active_runs",
		metric.WithDescription("Number of currently executing runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			m.activeRunsMu.RLock()
			count := m.activeRuns
			m.activeRunsMu.RUnlock()
			observer.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"upkeepd_parked_runs",
		metric.WithDescription("Number of runs parked behind their concurrency group"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			m.parkedMu.RLock()
			count := m.parked
			m.parkedMu.RUnlock()
			observer.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"upkeepd_queue_depth",
		metric.WithDescription("Number of runs waiting in the dispatch queue"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			m.queueDepthMu.RLock()
			depth := m.queueDepth
			m.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRunStart records that a run began executing.
func (m *Metrics) RecordRunStart(ctx context.Context, runID, jobName string) {
	m.activeRunsMu.Lock()
	m.activeRuns++
	m.activeRunsMu.Unlock()
}

// RecordRunComplete records a finished run.
func (m *Metrics) RecordRunComplete(ctx context.Context, jobName, status, trigger string, duration time.Duration) {
	m.activeRunsMu.Lock()
	if m.activeRuns > 0 {
		m.activeRuns--
	}
	m.activeRunsMu.Unlock()

	m.runsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", jobName),
		attribute.String("status", status),
		attribute.String("trigger", trigger),
	))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("job", jobName),
	))
}

// RecordStepComplete records a finished step.
func (m *Metrics) RecordStepComplete(ctx context.Context, jobName, action, status string, duration time.Duration) {
	m.stepsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", jobName),
		attribute.String("status", status),
	))
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("action", action),
	))
}

// RecordSupersession records a parked run replaced by a newer
// submission.
func (m *Metrics) RecordSupersession(ctx context.Context, group string) {
	m.supersessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group", group),
	))
}

// RecordScheduleTrigger records a schedule firing.
func (m *Metrics) RecordScheduleTrigger(ctx context.Context, schedule string) {
	m.scheduleTriggers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("schedule", schedule),
	))
}

// IncrementQueueDepth increments the dispatch queue depth gauge.
func (m *Metrics) IncrementQueueDepth() {
	m.queueDepthMu.Lock()
	m.queueDepth++
	m.queueDepthMu.Unlock()
}

// DecrementQueueDepth decrements the dispatch queue depth gauge.
func (m *Metrics) DecrementQueueDepth() {
	m.queueDepthMu.Lock()
	if m.queueDepth > 0 {
		m.queueDepth--
	}
	m.queueDepthMu.Unlock()
}

// IncrementParked increments the parked runs gauge.
func (m *Metrics) IncrementParked() {
	m.parkedMu.Lock()
	m.parked++
	m.parkedMu.Unlock()
}

// DecrementParked decrements the parked runs gauge.
func (m *Metrics) DecrementParked() {
	m.parkedMu.Lock()
	if m.parked > 0 {
		m.parked--
	}
	m.parkedMu.Unlock()
}
