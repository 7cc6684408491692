package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/upkeep-run/upkeep/internal/action/artifact"
	"github.com/upkeep-run/upkeep/internal/action/checkout"
	"github.com/upkeep-run/upkeep/internal/action/docker"
	"github.com/upkeep-run/upkeep/internal/action/mirror"
	"github.com/upkeep-run/upkeep/internal/action/shell"
	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// Action is the contract every step action implements.
type Action interface {
	// Name returns the action identifier used in job files.
	Name() string

	// Execute runs the action for one step invocation.
	Execute(ctx context.Context, inv *job.Invocation) (*job.ActionResult, error)
}

// Config holds configuration for the builtin actions.
type Config struct {
	// DockerBinary overrides the docker CLI binary used for container cleanup.
	DockerBinary string

	// MaxShellOutput caps captured shell output in bytes (default 10MB).
	MaxShellOutput int64

	// MirrorWorkers sets the number of concurrent file copies (default 4).
	MirrorWorkers int
}

// builtinNames lists all builtin action names.
var builtinNames = map[string]bool{
	"shell":    true,
	"checkout": true,
	"mirror":   true,
	"docker":   true,
	"artifact": true,
}

// IsBuiltin returns true if the action name is a builtin.
func IsBuiltin(name string) bool {
	return builtinNames[name]
}

// NewBuiltin creates a builtin action by name.
func NewBuiltin(name string, config *Config) (Action, error) {
	if config == nil {
		config = &Config{}
	}

	switch name {
	case "shell":
		return shell.New(&shell.Config{MaxOutput: config.MaxShellOutput})
	case "checkout":
		return checkout.New(), nil
	case "mirror":
		return mirror.New(&mirror.Config{Workers: config.MirrorWorkers})
	case "docker":
		return docker.New(&docker.Config{Binary: config.DockerBinary})
	case "artifact":
		return artifact.New(nil)
	default:
		return nil, fmt.Errorf("unknown builtin action: %s", name)
	}
}

// Registry manages the actions available to job steps.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// NewBuiltinRegistry creates a registry with all builtin actions pre-loaded.
func NewBuiltinRegistry(config *Config) (*Registry, error) {
	registry := NewRegistry()
	for name := range builtinNames {
		action, err := NewBuiltin(name, config)
		if err != nil {
			return nil, fmt.Errorf("failed to load builtin action %q: %w", name, err)
		}
		registry.Register(action)
	}
	return registry, nil
}

// Register adds an action to the registry, replacing any existing action
// with the same name.
func (r *Registry) Register(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.Name()] = action
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, exists := r.actions[name]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "action", ID: name}
	}

	return action, nil
}

// Execute runs the named action. It implements job.ActionRegistry.
func (r *Registry) Execute(ctx context.Context, name string, inv *job.Invocation) (*job.ActionResult, error) {
	action, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return action.Execute(ctx, inv)
}

// List returns the names of all registered actions in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
