package job

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is a scriptable ActionRegistry. Handlers are keyed by step
// ID; steps without a handler succeed with an empty result.
type fakeRegistry struct {
	mu       sync.Mutex
	calls    []fakeCall
	handlers map[string]func(ctx context.Context, inv *Invocation) (*ActionResult, error)
}

type fakeCall struct {
	Name string
	Inv  *Invocation
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		handlers: make(map[string]func(ctx context.Context, inv *Invocation) (*ActionResult, error)),
	}
}

func (f *fakeRegistry) handle(stepID string, h func(ctx context.Context, inv *Invocation) (*ActionResult, error)) {
	f.handlers[stepID] = h
}

func (f *fakeRegistry) Execute(ctx context.Context, name string, inv *Invocation) (*ActionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Name: name, Inv: inv})
	h := f.handlers[inv.StepID]
	f.mu.Unlock()

	if h != nil {
		return h(ctx, inv)
	}
	return &ActionResult{Outputs: map[string]interface{}{}}, nil
}

func (f *fakeRegistry) call(i int) fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// envValue finds a KEY=value entry in a flattened environment.
func envValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}

func mustParse(t *testing.T, yaml string) *Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(yaml))
	require.NoError(t, err)
	return def
}

func TestRun_AllStepsSucceed(t *testing.T) {
	registry := newFakeRegistry()
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: copy
    run: cp -r src dst
  - id: cleanup
    uses: docker
    with:
      op: cleanup
`)

	result, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, StepStatusSuccess, result.Steps[0].Status)
	assert.Equal(t, StepStatusSuccess, result.Steps[1].Status)

	require.Equal(t, 2, registry.callCount())
	first := registry.call(0)
	assert.Equal(t, "shell", first.Name)
	assert.Equal(t, "cp -r src dst", first.Inv.Inputs["command"])
	second := registry.call(1)
	assert.Equal(t, "docker", second.Name)
	assert.Equal(t, "cleanup", second.Inv.Inputs["op"])
}

func TestRun_FailureSkipsRemainingButNotAlways(t *testing.T) {
	registry := newFakeRegistry()
	registry.handle("build", func(ctx context.Context, inv *Invocation) (*ActionResult, error) {
		return &ActionResult{ExitCode: 2}, fmt.Errorf("exit status 2")
	})
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: build
    run: ./build.sh
  - id: publish
    run: ./publish.sh
  - id: cleanup
    if: always()
    uses: docker
`)

	result, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Error, "build")

	require.Len(t, result.Steps, 3)
	assert.Equal(t, StepStatusFailed, result.Steps[0].Status)
	assert.Equal(t, 2, result.Steps[0].ExitCode)
	assert.Equal(t, StepStatusSkipped, result.Steps[1].Status)
	assert.Equal(t, "condition evaluated to false", result.Steps[1].SkipReason)
	assert.Equal(t, StepStatusSuccess, result.Steps[2].Status)

	// publish never reached the registry
	assert.Equal(t, 2, registry.callCount())
}

func TestRun_FailureCondition(t *testing.T) {
	registry := newFakeRegistry()
	registry.handle("build", func(ctx context.Context, inv *Invocation) (*ActionResult, error) {
		return nil, fmt.Errorf("boom")
	})
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: build
    run: ./build.sh
  - id: report
    if: failure()
    run: ./report.sh
`)

	result, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StepStatusFailed, result.Steps[0].Status)
	assert.Equal(t, StepStatusSuccess, result.Steps[1].Status)
}

func TestRun_ContinueOnError(t *testing.T) {
	registry := newFakeRegistry()
	registry.handle("optional", func(ctx context.Context, inv *Invocation) (*ActionResult, error) {
		return nil, fmt.Errorf("optional step broke")
	})
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: optional
    run: ./optional.sh
    continue_on_error: true
  - id: main
    run: ./main.sh
`)

	result, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, StepStatusFailed, result.Steps[0].Status)
	assert.Equal(t, StepStatusSuccess, result.Steps[1].Status)
}

func TestRun_ExportsFlowBetweenSteps(t *testing.T) {
	registry := newFakeRegistry()
	registry.handle("fetch", func(ctx context.Context, inv *Invocation) (*ActionResult, error) {
		err := os.WriteFile(inv.EnvFile, []byte("CHECKOUT_SHA=abc123\n"), 0o600)
		return &ActionResult{}, err
	})
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: fetch
    run: git rev-parse HEAD
  - id: index
    uses: shell
    with:
      command: echo {{ env.CHECKOUT_SHA }}
`)

	result, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	second := registry.call(1)
	v, ok := envValue(second.Inv.Env, "CHECKOUT_SHA")
	require.True(t, ok, "CHECKOUT_SHA not in step env")
	assert.Equal(t, "abc123", v)
	assert.Equal(t, "echo abc123", second.Inv.Inputs["command"])
}

func TestRun_EnvLayering(t *testing.T) {
	registry := newFakeRegistry()
	executor := NewExecutor(registry).WithBaseEnv(map[string]string{
		"PATH":   "/usr/bin",
		"SHARED": "base",
	})

	def := mustParse(t, `
name: codebrowser
env:
  TEMP_PATH: /tmp/upkeep/codebrowser
  SHARED: job
steps:
  - id: copy
    run: cp -r a b
    env:
      SHARED: step
`)

	result, err := executor.Run(context.Background(), def, RunOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	env := registry.call(0).Inv.Env

	for key, want := range map[string]string{
		"PATH":      "/usr/bin",
		"TEMP_PATH": "/tmp/upkeep/codebrowser",
		"SHARED":    "step",
		RunIDVar:    "run-1",
		JobVar:      "codebrowser",
		TriggerVar:  "dispatch",
	} {
		got, ok := envValue(env, key)
		require.True(t, ok, "%s not in step env", key)
		assert.Equal(t, want, got, "env %s", key)
	}

	if _, ok := envValue(env, EnvFileVar); !ok {
		t.Errorf("%s not in step env", EnvFileVar)
	}
	if _, ok := envValue(env, TempDirVar); !ok {
		t.Errorf("%s not in step env", TempDirVar)
	}
}

func TestRun_TemplateResolvesInputs(t *testing.T) {
	registry := newFakeRegistry()
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
env:
  TEMP_PATH: /tmp/upkeep
steps:
  - id: fetch
    uses: checkout
    with:
      url: https://github.com/example/repo.git
      path: "{{ env.TEMP_PATH }}/{{ inputs.target }}"
`)

	_, err := executor.Run(context.Background(), def, RunOptions{
		Inputs: map[string]interface{}{"target": "master"},
	})
	require.NoError(t, err)

	inv := registry.call(0).Inv
	assert.Equal(t, "/tmp/upkeep/master", inv.Inputs["path"])
	assert.Equal(t, "https://github.com/example/repo.git", inv.Inputs["url"])
}

func TestRun_RunnerContextTemplates(t *testing.T) {
	registry := newFakeRegistry()
	executor := NewExecutor(registry).WithBaseEnv(map[string]string{})

	def := mustParse(t, `
name: codebrowser
env:
  IMAGES_PATH: "{{ runner.temp }}/images_path"
steps:
  - id: paths
    run: mkdir -p "$IMAGES_PATH"
  - id: cleanup
    uses: docker
    with:
      op: cleanup
      label: "{{ job.name }}-{{ run.id }}"
`)

	tempDir := t.TempDir()
	result, err := executor.Run(context.Background(), def, RunOptions{
		RunID:   "run-42",
		TempDir: tempDir,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)

	images, ok := envValue(registry.call(0).Inv.Env, "IMAGES_PATH")
	require.True(t, ok, "IMAGES_PATH not in step env")
	assert.Equal(t, tempDir+"/images_path", images)

	assert.Equal(t, "codebrowser-run-42", registry.call(1).Inv.Inputs["label"])
}

func TestRun_UnresolvableTemplateFailsStep(t *testing.T) {
	registry := newFakeRegistry()
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: fetch
    run: echo {{ env.NO_SUCH_VALUE }}
`)

	result, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StepStatusFailed, result.Steps[0].Status)
	assert.Zero(t, registry.callCount())
}

func TestRun_InvalidExportFileFailsStep(t *testing.T) {
	registry := newFakeRegistry()
	registry.handle("fetch", func(ctx context.Context, inv *Invocation) (*ActionResult, error) {
		err := os.WriteFile(inv.EnvFile, []byte("NOT A VALID LINE\n"), 0o600)
		return &ActionResult{}, err
	})
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: fetch
    run: ./fetch.sh
`)

	result, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StepStatusFailed, result.Steps[0].Status)
	assert.Contains(t, result.Steps[0].Error, "invalid export file")
}

func TestRun_Cancellation(t *testing.T) {
	registry := newFakeRegistry()
	started := make(chan struct{})
	registry.handle("slow", func(ctx context.Context, inv *Invocation) (*ActionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	executor := NewExecutor(registry).WithCancelGrace(5 * time.Second)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: slow
    run: sleep 600
  - id: publish
    run: ./publish.sh
  - id: cleanup
    if: always()
    uses: docker
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := executor.Run(ctx, def, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, result.Outcome)
	require.Len(t, result.Steps, 3)
	assert.Equal(t, StepStatusCancelled, result.Steps[0].Status)
	assert.Equal(t, StepStatusCancelled, result.Steps[1].Status)
	// cleanup still ran within the cancel grace window
	assert.Equal(t, StepStatusSuccess, result.Steps[2].Status)
}

func TestRun_StepTimeout(t *testing.T) {
	registry := newFakeRegistry()
	registry.handle("slow", func(ctx context.Context, inv *Invocation) (*ActionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: slow
    run: sleep 600
    timeout: 1
`)

	start := time.Now()
	result, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StepStatusFailed, result.Steps[0].Status)
	assert.Contains(t, result.Steps[0].Error, "timed out after 1s")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_EmitsEvents(t *testing.T) {
	registry := newFakeRegistry()
	emitter := NewEventEmitter()

	var mu sync.Mutex
	var seen []EventType
	emitter.OnAny(func(ctx context.Context, event *Event) error {
		mu.Lock()
		seen = append(seen, event.Type)
		mu.Unlock()
		return nil
	})

	executor := NewExecutor(registry).WithEmitter(emitter)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: copy
    run: cp -r a b
`)

	_, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{
		EventRunStarted,
		EventStepStarted,
		EventStepCompleted,
		EventRunCompleted,
	}, seen)
}

func TestRun_GeneratesRunID(t *testing.T) {
	registry := newFakeRegistry()
	executor := NewExecutor(registry)

	def := mustParse(t, `
name: codebrowser
steps:
  - id: copy
    run: cp -r a b
`)

	_, err := executor.Run(context.Background(), def, RunOptions{})
	require.NoError(t, err)

	inv := registry.call(0).Inv
	assert.NotEmpty(t, inv.RunID)
}
