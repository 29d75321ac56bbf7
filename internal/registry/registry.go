package registry

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError reports one malformed definition. The definition is
// excluded from the snapshot; loading continues for the others.
type ValidationError struct {
	Kind string // "tool" or "workflow"
	Name string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s definition %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Snapshot is an immutable view of all valid definitions from one load.
// In-flight executions hold the snapshot they started with; Reload swaps
// the registry pointer without touching existing snapshots.
type Snapshot struct {
	Tools     map[string]*ToolDefinition
	Workflows map[string]*WorkflowDefinition
	LoadedAt  time.Time
}

func (s *Snapshot) Tool(name string) (*ToolDefinition, bool) {
	t, ok := s.Tools[name]
	return t, ok
}

func (s *Snapshot) Workflow(name string) (*WorkflowDefinition, bool) {
	w, ok := s.Workflows[name]
	return w, ok
}

// ToolActive reports whether a tool exists and is active.
func (s *Snapshot) ToolActive(name string) bool {
	t, ok := s.Tools[name]
	return ok && t.Active
}

// WorkflowNames returns all workflow slugs sorted for stable iteration.
func (s *Snapshot) WorkflowNames() []string {
	names := make([]string, 0, len(s.Workflows))
	for name := range s.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry discovers tool and workflow definitions under dir:
// <dir>/tools/<slug>/tool.yaml and <dir>/workflows/<slug>/workflow.yaml.
type Registry struct {
	dir       string
	overrides *OverrideStore // nil disables persisted toggles

	mu       sync.RWMutex
	snapshot *Snapshot
	onReload func(*Snapshot)

	factories map[string]ToolFactory
	runners   map[string]WorkflowRunner
}

func New(dir string, overrides *OverrideStore) *Registry {
	return &Registry{
		dir:       dir,
		overrides: overrides,
		snapshot:  &Snapshot{Tools: map[string]*ToolDefinition{}, Workflows: map[string]*WorkflowDefinition{}},
		factories: make(map[string]ToolFactory),
		runners:   make(map[string]WorkflowRunner),
	}
}

// OnReload registers the hook invoked with the fresh snapshot after every
// successful Load/Reload/Toggle (the scheduler uses it to resync jobs).
func (r *Registry) OnReload(fn func(*Snapshot)) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

// Snapshot returns the currently active snapshot.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Load scans the definitions tree and atomically swaps the active snapshot.
// Malformed definitions are returned as *ValidationError values and excluded;
// the load itself only fails if the tree cannot be read at all.
func (r *Registry) Load() (*Snapshot, []error) {
	snap := &Snapshot{
		Tools:     make(map[string]*ToolDefinition),
		Workflows: make(map[string]*WorkflowDefinition),
		LoadedAt:  time.Now().UTC(),
	}
	var errs []error

	for _, slug := range listSlugs(filepath.Join(r.dir, "tools")) {
		def, err := r.loadTool(slug)
		if err != nil {
			errs = append(errs, &ValidationError{Kind: "tool", Name: slug, Err: err})
			continue
		}
		snap.Tools[slug] = def
	}

	for _, slug := range listSlugs(filepath.Join(r.dir, "workflows")) {
		def, err := r.loadWorkflow(slug)
		if err != nil {
			errs = append(errs, &ValidationError{Kind: "workflow", Name: slug, Err: err})
			continue
		}
		snap.Workflows[slug] = def
	}

	r.applyOverrides(snap)

	r.mu.Lock()
	r.snapshot = snap
	hook := r.onReload
	r.mu.Unlock()

	for _, err := range errs {
		log.Printf("registry: %v", err)
	}
	if hook != nil {
		hook(snap)
	}
	return snap, errs
}

// Reload re-scans the definitions and swaps the snapshot. Executions started
// against the previous snapshot are unaffected.
func (r *Registry) Reload() []error {
	_, errs := r.Load()
	return errs
}

var ErrNotFound = fmt.Errorf("no workflow or tool with that name")

// Toggle flips the active flag of a workflow (preferred on name collision) or
// tool, persists the override, and reloads so dependents resync.
func (r *Registry) Toggle(name string) (bool, error) {
	snap := r.Snapshot()
	var entity string
	var active bool
	if wf, ok := snap.Workflows[name]; ok {
		entity, active = "workflow", !wf.Active
	} else if tool, ok := snap.Tools[name]; ok {
		entity, active = "tool", !tool.Active
	} else {
		return false, fmt.Errorf("toggle %q: %w", name, ErrNotFound)
	}
	if r.overrides != nil {
		if err := r.overrides.Set(entity, name, active); err != nil {
			return false, fmt.Errorf("toggle %q: %w", name, err)
		}
	}
	r.Load()
	return active, nil
}

func (r *Registry) loadTool(slug string) (*ToolDefinition, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, "tools", slug, "tool.yaml"))
	if err != nil {
		return nil, err
	}
	return parseToolDefinition(slug, data)
}

func (r *Registry) loadWorkflow(slug string) (*WorkflowDefinition, error) {
	dir := filepath.Join(r.dir, "workflows", slug)
	data, err := os.ReadFile(filepath.Join(dir, "workflow.yaml"))
	if err != nil {
		return nil, err
	}
	def, err := parseWorkflowDefinition(slug, data)
	if err != nil {
		return nil, err
	}
	if err := validateWorkflow(def); err != nil {
		return nil, err
	}
	if script := filepath.Join(dir, "workflow.lua"); fileExists(script) {
		def.ScriptPath = script
	}
	return def, nil
}

// validateWorkflow enforces the cross-field rules: a schedule trigger needs a
// parseable 5-field cron expression, and a scheduled workflow cannot depend
// on required input-derived profiles (scheduled runs carry no input data).
func validateWorkflow(def *WorkflowDefinition) error {
	if def.HasTrigger(TriggerSchedule) {
		if def.Schedule == "" {
			return fmt.Errorf("schedule trigger declared but no cron expression")
		}
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", def.Schedule, err)
		}
		for tool, profile := range def.ToolProfiles {
			key, ok := InputKeyForProfile(profile)
			if !ok {
				continue
			}
			if f, declared := def.Input(key); declared && f.Required {
				return fmt.Errorf("tool %q uses required input profile %q; scheduled runs supply no input", tool, profile)
			}
		}
	} else if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", def.Schedule, err)
		}
	}
	for _, tool := range def.ToolsRequired {
		if tool == "" {
			return fmt.Errorf("empty tool name in tools_required")
		}
	}
	return nil
}

func (r *Registry) applyOverrides(snap *Snapshot) {
	if r.overrides == nil {
		return
	}
	ov, err := r.overrides.All()
	if err != nil {
		log.Printf("registry: loading activation overrides: %v", err)
		return
	}
	for name, active := range ov["workflow"] {
		if wf, ok := snap.Workflows[name]; ok {
			wf.Active = active
		}
	}
	for name, active := range ov["tool"] {
		if tool, ok := snap.Tools[name]; ok {
			tool.Active = active
		}
	}
}

func listSlugs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var slugs []string
	for _, e := range entries {
		if e.IsDir() {
			slugs = append(slugs, e.Name())
		}
	}
	sort.Strings(slugs)
	return slugs
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
