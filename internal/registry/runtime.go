package registry

import (
	"context"
	"fmt"
)

// Tool is the fixed capability set every tool implementation exposes.
type Tool interface {
	Name() string
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)
	Authenticate(ctx context.Context) error
	AvailableActions() []string
}

// ToolConfig is the resolved configuration handed to a tool constructor.
type ToolConfig struct {
	Profile  string
	Settings map[string]string
}

// ToolFactory constructs a tool instance for one execution.
type ToolFactory func(cfg ToolConfig) (Tool, error)

// WorkflowRunner is a workflow entry point: invoked with the execution input
// and the bound tool instances, returning opaque result data.
type WorkflowRunner interface {
	Run(ctx context.Context, input map[string]any, tools map[string]Tool) (map[string]any, error)
}

// RunnerFunc adapts a plain function to WorkflowRunner.
type RunnerFunc func(ctx context.Context, input map[string]any, tools map[string]Tool) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, input map[string]any, tools map[string]Tool) (map[string]any, error) {
	return f(ctx, input, tools)
}

// RegisterToolFactory binds a tool slug to its constructor. Registered once
// at startup, before the registry is loaded.
func (r *Registry) RegisterToolFactory(name string, f ToolFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("tool factory %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// RegisterRunner binds a workflow slug to a builtin Go entry point. Workflows
// without a builtin runner fall back to their workflow.lua script.
func (r *Registry) RegisterRunner(name string, runner WorkflowRunner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[name]; exists {
		return fmt.Errorf("workflow runner %q already registered", name)
	}
	r.runners[name] = runner
	return nil
}

// ToolFactory returns the constructor for a tool slug.
func (r *Registry) ToolFactory(name string) (ToolFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Runner returns the builtin runner for a workflow slug.
func (r *Registry) Runner(name string) (WorkflowRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	return runner, ok
}
