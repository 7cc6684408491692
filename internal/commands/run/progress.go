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

package run

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/upkeep-run/upkeep/internal/cli/format"
	"github.com/upkeep-run/upkeep/internal/commands/shared"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// progressPrinter renders step progress around the streamed step output
// during a local run. The executor calls listeners synchronously, so no
// locking is needed.
type progressPrinter struct {
	out   io.Writer
	def   *job.Definition
	index map[string]int
	total int
}

func newProgressPrinter(out io.Writer, def *job.Definition) *progressPrinter {
	index := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		index[def.Steps[i].ID] = i + 1
	}
	return &progressPrinter{
		out:   out,
		def:   def,
		index: index,
		total: len(def.Steps),
	}
}

func (p *progressPrinter) attach(emitter *job.EventEmitter) {
	emitter.On(job.EventRunStarted, p.runStarted)
	emitter.On(job.EventStepStarted, p.stepStarted)
	emitter.On(job.EventStepCompleted, p.stepCompleted)
}

func (p *progressPrinter) runStarted(ctx context.Context, event *job.Event) error {
	fmt.Fprintf(p.out, "Running job: %s\n", event.Job)
	return nil
}

func (p *progressPrinter) stepStarted(ctx context.Context, event *job.Event) error {
	stepID, _ := event.Data["step_id"].(string)
	fmt.Fprintf(p.out, "\n[%d/%d] %s\n", p.index[stepID], p.total, p.describe(stepID))
	return nil
}

func (p *progressPrinter) stepCompleted(ctx context.Context, event *job.Event) error {
	stepID, _ := event.Data["step_id"].(string)
	status, _ := event.Data["status"].(string)

	elapsed := "<1s"
	if ms, ok := event.Data["duration_ms"].(int64); ok && ms > 0 {
		elapsed = format.Duration(time.Duration(ms) * time.Millisecond)
	}

	switch job.StepStatus(status) {
	case job.StepStatusSuccess:
		fmt.Fprintf(p.out, "%s\n", shared.RenderOK(fmt.Sprintf("%s (%s)", stepID, elapsed)))
	case job.StepStatusFailed:
		line := fmt.Sprintf("%s failed (%s)", stepID, elapsed)
		if errMsg, ok := event.Data["error"].(string); ok && errMsg != "" {
			line += ": " + errMsg
		}
		fmt.Fprintf(p.out, "%s\n", shared.RenderError(line))
	case job.StepStatusSkipped:
		// Skipped steps never emit step_started, so render the header
		// and status as one line.
		fmt.Fprintln(p.out)
		p.printMuted(fmt.Sprintf("[%d/%d] %s skipped", p.index[stepID], p.total, p.describe(stepID)))
	case job.StepStatusCancelled:
		fmt.Fprintln(p.out)
		p.printMuted(fmt.Sprintf("[%d/%d] %s cancelled", p.index[stepID], p.total, p.describe(stepID)))
	}
	return nil
}

func (p *progressPrinter) describe(stepID string) string {
	if step := p.def.Step(stepID); step != nil && step.Name != "" {
		return stepID + " (" + step.Name + ")"
	}
	return stepID
}

func (p *progressPrinter) printMuted(line string) {
	if shared.ColorEnabled() {
		line = shared.Muted.Render(line)
	}
	fmt.Fprintln(p.out, line)
}
