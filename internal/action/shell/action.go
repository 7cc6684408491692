// Package shell executes run: scripts through a shell.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// DefaultMaxOutput caps how much combined output a step retains in its
// result. Output past the cap keeps streaming to the run log but is
// dropped from the stored result.
const DefaultMaxOutput = 10 * 1024 * 1024

// stderrTailSize is how much trailing stderr gets folded into the error
// message when a command fails.
const stderrTailSize = 1024

// killDelay is how long Wait lingers after the process group got
// SIGTERM before the remaining pipes are forcibly closed.
const killDelay = 10 * time.Second

// Config holds settings for the shell action.
type Config struct {
	// MaxOutput caps retained combined output in bytes (default 10MB).
	MaxOutput int64
}

// Action runs shell commands. run: steps dispatch here with the script
// as the command input.
type Action struct {
	config *Config
}

// New creates a shell action.
func New(config *Config) (*Action, error) {
	if config == nil {
		config = &Config{}
	}
	if config.MaxOutput == 0 {
		config.MaxOutput = DefaultMaxOutput
	}
	return &Action{config: config}, nil
}

// Name returns the action identifier.
func (a *Action) Name() string {
	return "shell"
}

// Execute runs the command input through the configured shell. The
// command inherits the invocation's layered environment and working
// directory, and its combined output streams to the run log.
func (a *Action) Execute(ctx context.Context, inv *job.Invocation) (*job.ActionResult, error) {
	command, ok := inv.Inputs["command"].(string)
	if !ok || command == "" {
		return nil, &errors.ValidationError{
			Field:      "command",
			Message:    "command must be a non-empty string",
			Suggestion: "Provide the script to run as a string",
		}
	}

	sh := job.DefaultShell
	if v, ok := inv.Inputs["shell"].(string); ok && v != "" {
		sh = v
	}

	cmd := exec.CommandContext(ctx, sh, "-c", command)
	cmd.Dir = inv.WorkingDir
	cmd.Env = inv.Env

	// Run the script in its own process group so cancellation reaches
	// processes the shell spawned, not just the shell itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	capture := newCappedBuffer(a.config.MaxOutput)
	tail := &tailBuffer{limit: stderrTailSize}

	// stdout and stderr share one lock; os/exec writes them from
	// separate goroutines.
	var mu sync.Mutex
	out := io.Writer(capture)
	if inv.Log != nil {
		out = io.MultiWriter(inv.Log, capture)
	}
	cmd.Stdout = &lockedWriter{mu: &mu, w: out}
	cmd.Stderr = &lockedWriter{mu: &mu, w: io.MultiWriter(out, tail)}

	err := cmd.Run()

	result := &job.ActionResult{Output: capture.String()}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		result.ExitCode = -1
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("failed to run command: %w", err)
	}

	result.ExitCode = exitErr.ExitCode()
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	if msg := strings.TrimSpace(tail.String()); msg != "" {
		return result, fmt.Errorf("command exited with code %d: %s", result.ExitCode, msg)
	}
	return result, fmt.Errorf("command exited with code %d", result.ExitCode)
}

// lockedWriter serializes writes to an underlying writer.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// cappedBuffer retains writes up to a byte limit and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
