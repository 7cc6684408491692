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

package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunSpan is the root span of one job run. Step spans are recorded as
// children after the fact, from the step results, so the executor itself
// never touches OTel. All methods are safe on a nil receiver.
type RunSpan struct {
	ctx    context.Context
	span   trace.Span
	tracer trace.Tracer
}

// StartRunSpan opens the root span for a run. Returns the original
// context and a nil RunSpan when tracer is nil.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, jobName, runID, trigger string) (context.Context, *RunSpan) {
	if tracer == nil {
		return ctx, nil
	}

	ctx, span := tracer.Start(ctx, "run "+jobName,
		trace.WithAttributes(
			attribute.String("job.name", jobName),
			attribute.String("run.id", runID),
			attribute.String("run.trigger", trigger),
		),
	)
	return ctx, &RunSpan{ctx: ctx, span: span, tracer: tracer}
}

// RecordStep adds a child span for one executed step, using the step's
// actual start and end times.
func (s *RunSpan) RecordStep(id, action, status string, exitCode int, start, end time.Time) {
	if s == nil {
		return
	}
	if end.Before(start) {
		end = start
	}

	_, span := s.tracer.Start(s.ctx, "step "+id,
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("step.id", id),
			attribute.String("step.action", action),
			attribute.String("step.status", status),
			attribute.Int("step.exit_code", exitCode),
		),
	)
	switch status {
	case "failed":
		span.SetStatus(codes.Error, "step failed")
	case "success":
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

// End closes the run span with the terminal status.
func (s *RunSpan) End(status, errMsg string) {
	if s == nil {
		return
	}

	s.span.SetAttributes(attribute.String("run.status", status))
	switch status {
	case "completed":
		s.span.SetStatus(codes.Ok, "")
	default:
		s.span.SetStatus(codes.Error, errMsg)
	}
	s.span.End()
}
