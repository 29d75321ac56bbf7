// Package engine wires the core components together and is the single
// surface the HTTP layer talks to.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/flowdeck/flowdeck/internal/executor"
	"github.com/flowdeck/flowdeck/internal/jobs"
	"github.com/flowdeck/flowdeck/internal/lua"
	"github.com/flowdeck/flowdeck/internal/oauth"
	"github.com/flowdeck/flowdeck/internal/profile"
	"github.com/flowdeck/flowdeck/internal/registry"
	"github.com/flowdeck/flowdeck/internal/runlog"
	"github.com/flowdeck/flowdeck/internal/scheduler"
	"github.com/flowdeck/flowdeck/internal/store"
)

// Options carries everything the engine needs that is not built internally.
type Options struct {
	DefinitionsDir string
	BaseURL        string
	Tick           time.Duration
	Workers        int
	DB             *store.DB
	Logs           runlog.Buffer // nil gets an in-memory buffer
}

// Engine owns the registry, job table, scheduler and executor. Construct
// with New, register tool factories and runners, then Start.
type Engine struct {
	registry  *registry.Registry
	creds     *oauth.Store
	table     *jobs.Table
	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	logs      runlog.Buffer
}

func New(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("engine: a store is required")
	}
	logs := opts.Logs
	if logs == nil {
		logs = runlog.NewMemory()
	}

	reg := registry.New(opts.DefinitionsDir, registry.NewOverrideStore(opts.DB))
	creds := oauth.NewStore(opts.DB)
	table, err := jobs.NewTable(opts.DB)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	resolver := profile.NewResolver(creds, opts.BaseURL)
	exe := executor.New(reg, resolver, table, opts.DB, logs, opts.Workers)
	exe.SetScriptRunner(func(path string) registry.WorkflowRunner {
		return lua.NewRunner(path)
	})

	sched := scheduler.New(reg, table, scheduler.DispatchFunc(func(workflow, jobID string) {
		exe.Dispatch(executor.Request{
			Workflow: workflow,
			Trigger:  string(registry.TriggerSchedule),
			JobID:    jobID,
		})
	}), opts.Tick)

	e := &Engine{
		registry:  reg,
		creds:     creds,
		table:     table,
		scheduler: sched,
		executor:  exe,
		logs:      logs,
	}
	// Every registry load (startup, reload, toggle) resyncs the job table
	// before the next tick looks at it.
	reg.OnReload(func(*registry.Snapshot) { sched.SyncNow() })
	return e, nil
}

// Registry exposes the definition registry for factory/runner registration
// at startup.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Credentials exposes the OAuth state store for the callback handler.
func (e *Engine) Credentials() *oauth.Store { return e.creds }

// Logs exposes the run-log buffer for history and live streaming.
func (e *Engine) Logs() runlog.Buffer { return e.logs }

// Start loads definitions and launches the executor pool and scheduler loop.
// Definition validation errors are logged and the affected definitions
// excluded; Start itself does not fail on them.
func (e *Engine) Start() {
	_, errs := e.registry.Load()
	if len(errs) > 0 {
		log.Printf("engine: %d definition(s) excluded at load", len(errs))
	}
	e.executor.Start()
	e.scheduler.Start()
}

// Shutdown stops the scheduler, drains the executor queue and closes the
// run-log buffer.
func (e *Engine) Shutdown() {
	e.scheduler.Stop()
	e.executor.Stop()
	if err := e.logs.Close(); err != nil {
		log.Printf("engine: closing run log: %v", err)
	}
}

// Execute runs a workflow synchronously for manual and webhook triggers.
func (e *Engine) Execute(ctx context.Context, workflow string, input map[string]any, trigger string) executor.Result {
	return e.executor.Run(ctx, workflow, input, trigger)
}

// ProcessWebhook runs a workflow for an incoming webhook. Workflows that do
// not declare the webhook trigger are rejected; the caller receives the
// result verbatim either way.
func (e *Engine) ProcessWebhook(ctx context.Context, workflow string, payload map[string]any) executor.Result {
	wf, ok := e.registry.Snapshot().Workflow(workflow)
	if !ok {
		return executor.Result{Status: executor.StatusError, Message: fmt.Sprintf("unknown workflow %q", workflow)}
	}
	if !wf.HasTrigger(registry.TriggerWebhook) {
		return executor.Result{Status: executor.StatusError, Message: fmt.Sprintf("workflow %q does not accept webhooks", workflow)}
	}
	return e.executor.Run(ctx, workflow, payload, string(registry.TriggerWebhook))
}

// Reload re-scans definitions and resyncs the job table. Returns the
// validation errors of excluded definitions.
func (e *Engine) Reload() []error {
	return e.registry.Reload()
}

// Toggle flips a workflow's or tool's active flag and resyncs.
func (e *Engine) Toggle(name string) (bool, error) {
	return e.registry.Toggle(name)
}

// ListJobs returns the scheduled-jobs projection for the dashboard.
func (e *Engine) ListJobs() []jobs.ScheduledJob {
	return e.table.List()
}

// History returns recent executions, newest first.
func (e *Engine) History(limit int) ([]executor.Record, error) {
	return e.executor.History(limit)
}

// Snapshot returns the active definition snapshot.
func (e *Engine) Snapshot() *registry.Snapshot {
	return e.registry.Snapshot()
}
