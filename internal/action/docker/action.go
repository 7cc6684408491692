// Package docker cleans up containers by invoking the docker CLI, the
// way CI janitor steps do.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// DefaultBinary is the docker CLI invoked when no override is given.
const DefaultBinary = "docker"

// Config holds settings for the docker action.
type Config struct {
	// Binary is the docker CLI to invoke (default "docker").
	Binary string
}

// Action runs docker CLI operations. Only cleanup is supported: kill
// every running container, then force-remove every container.
type Action struct {
	config *Config
}

// New creates a docker action.
func New(config *Config) (*Action, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Binary == "" {
		config.Binary = DefaultBinary
	}
	return &Action{config: config}, nil
}

// Name returns the action identifier.
func (a *Action) Name() string {
	return "docker"
}

// Execute dispatches to the requested docker operation.
func (a *Action) Execute(ctx context.Context, inv *job.Invocation) (*job.ActionResult, error) {
	op, ok := inv.Inputs["op"].(string)
	if !ok || op == "" {
		return nil, &errors.ValidationError{
			Field:      "op",
			Message:    "op must be a non-empty string",
			Suggestion: "Supported operations: cleanup",
		}
	}

	switch op {
	case "cleanup":
		return a.cleanup(ctx, inv)
	default:
		return nil, &errors.ValidationError{
			Field:      "op",
			Message:    fmt.Sprintf("unknown docker operation %q", op),
			Suggestion: "Supported operations: cleanup",
		}
	}
}

// cleanup kills running containers, then force-removes all containers.
// By default each phase tolerates failure: a stopped daemon or a racing
// removal never fails the cleanup step. Set ignore_errors: false to
// make failures fatal.
func (a *Action) cleanup(ctx context.Context, inv *job.Invocation) (*job.ActionResult, error) {
	binary := a.config.Binary
	if v, ok := inv.Inputs["binary"].(string); ok && v != "" {
		binary = v
	}
	ignoreErrors := true
	if v, ok := inv.Inputs["ignore_errors"].(bool); ok {
		ignoreErrors = v
	}

	var ignored []string

	killed, err := a.reap(ctx, inv, binary, false)
	if err != nil {
		if !ignoreErrors {
			return nil, err
		}
		ignored = append(ignored, err.Error())
		fmt.Fprintf(logWriter(inv), "docker kill failed (ignored): %v\n", err)
	}

	removed, err := a.reap(ctx, inv, binary, true)
	if err != nil {
		if !ignoreErrors {
			return nil, err
		}
		ignored = append(ignored, err.Error())
		fmt.Fprintf(logWriter(inv), "docker rm failed (ignored): %v\n", err)
	}

	outputs := map[string]interface{}{
		"killed":  killed,
		"removed": removed,
	}
	if len(ignored) > 0 {
		outputs["ignored_errors"] = ignored
	}
	return &job.ActionResult{Outputs: outputs}, nil
}

// reap lists containers and kills them (running only) or force-removes
// them (all). An empty listing is a no-op.
func (a *Action) reap(ctx context.Context, inv *job.Invocation, binary string, all bool) (int, error) {
	ids, err := a.list(ctx, inv, binary, all)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	args := []string{"kill"}
	if all {
		args = []string{"rm", "-f"}
	}
	if err := a.run(ctx, inv, binary, append(args, ids...)); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// list returns container IDs from docker ps --quiet, with --all when
// stopped containers should be included.
func (a *Action) list(ctx context.Context, inv *job.Invocation, binary string, all bool) ([]string, error) {
	args := []string{"ps", "--quiet"}
	if all {
		args = []string{"ps", "--all", "--quiet"}
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = inv.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(logWriter(inv), &stderr)

	if err := cmd.Run(); err != nil {
		return nil, commandError(binary, args, err, stderr.String())
	}

	var ids []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// run executes a docker command, streaming output to the run log.
func (a *Action) run(ctx context.Context, inv *job.Invocation, binary string, args []string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = inv.Env

	var stderr bytes.Buffer
	cmd.Stdout = logWriter(inv)
	cmd.Stderr = io.MultiWriter(logWriter(inv), &stderr)

	if err := cmd.Run(); err != nil {
		return commandError(binary, args, err, stderr.String())
	}
	return nil
}

func commandError(binary string, args []string, err error, stderr string) error {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, msg)
	}
	return fmt.Errorf("%s %s: %w", binary, strings.Join(args, " "), err)
}

func logWriter(inv *job.Invocation) io.Writer {
	if inv.Log != nil {
		return inv.Log
	}
	return io.Discard
}
