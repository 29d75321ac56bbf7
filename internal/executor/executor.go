// Package executor runs workflow entry points with bounded concurrency.
// Every failure mode inside a run converts to a Result; nothing escapes
// the executor boundary.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/jobs"
	"github.com/flowdeck/flowdeck/internal/metrics"
	"github.com/flowdeck/flowdeck/internal/profile"
	"github.com/flowdeck/flowdeck/internal/registry"
	"github.com/flowdeck/flowdeck/internal/runlog"
	"github.com/flowdeck/flowdeck/internal/store"
)

type Status string

const (
	StatusSuccess      Status = "success"
	StatusError        Status = "error"
	StatusAuthRequired Status = "auth_required"
)

// Result is the single shape every execution produces, regardless of how it
// went. Webhook callers receive it verbatim.
type Result struct {
	Status  Status         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Profile string         `json:"profile,omitempty"`
	AuthURL string         `json:"auth_url,omitempty"`
}

// Request is one queued dispatch. JobID is set for scheduled runs so the
// outcome lands back in the job table.
type Request struct {
	Workflow string
	Input    map[string]any
	Trigger  string
	JobID    string
}

// ScriptRunnerFunc builds a runner for a workflow script file. Wired at
// startup; keeps the script engine out of this package.
type ScriptRunnerFunc func(path string) registry.WorkflowRunner

// Executor owns the worker pool. Dispatches queue without bound (FIFO,
// backpressure through queue depth, never dropped); Run executes inline for
// manual and webhook triggers.
type Executor struct {
	registry *registry.Registry
	resolver *profile.Resolver
	table    *jobs.Table
	db       *store.DB
	logs     runlog.Buffer
	workers  int

	scriptRunner ScriptRunnerFunc

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Request
	closed  bool
	wg      sync.WaitGroup
}

func New(reg *registry.Registry, resolver *profile.Resolver, table *jobs.Table, db *store.DB, logs runlog.Buffer, workers int) *Executor {
	if workers <= 0 {
		workers = 4
	}
	e := &Executor{
		registry: reg,
		resolver: resolver,
		table:    table,
		db:       db,
		logs:     logs,
		workers:  workers,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetScriptRunner wires the script engine used for workflows that ship a
// script entry point instead of a registered Go runner.
func (e *Executor) SetScriptRunner(f ScriptRunnerFunc) { e.scriptRunner = f }

// Start launches the worker pool.
func (e *Executor) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	log.Printf("executor: started %d workers", e.workers)
}

// Stop drains the queue and waits for in-flight runs to finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
	log.Printf("executor: stopped")
}

// Dispatch enqueues a request for the worker pool. Never blocks, never drops.
func (e *Executor) Dispatch(req Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		log.Printf("executor: dropping dispatch of %q after shutdown", req.Workflow)
		return
	}
	e.pending = append(e.pending, req)
	metrics.QueueDepth.Set(float64(len(e.pending)))
	e.cond.Signal()
}

// QueueDepth reports the number of dispatches waiting for a worker.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.pending) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.pending) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		req := e.pending[0]
		e.pending = e.pending[1:]
		metrics.QueueDepth.Set(float64(len(e.pending)))
		e.mu.Unlock()

		res := e.Run(context.Background(), req.Workflow, req.Input, req.Trigger)
		if req.JobID != "" {
			if err := e.table.RecordOutcome(req.JobID, jobOutcome(res.Status), time.Now()); err != nil {
				log.Printf("executor: worker %d: recording outcome for job %s: %v", id, req.JobID, err)
			}
		}
	}
}

func jobOutcome(s Status) jobs.Status {
	if s == StatusSuccess {
		return jobs.StatusSuccess
	}
	// auth_required on an unattended run is a failure from the schedule's
	// point of view.
	return jobs.StatusError
}

// Run executes one workflow synchronously: resolve profile bindings,
// construct tools, invoke the entry point, record the execution. The result
// is always one of success, error, or auth_required.
func (e *Executor) Run(ctx context.Context, workflow string, input map[string]any, trigger string) Result {
	execID := "exec_" + uuid.New().String()
	start := time.Now()
	snap := e.registry.Snapshot()

	res := e.run(ctx, execID, snap, workflow, input)

	elapsed := time.Since(start)
	metrics.ExecutionsTotal.WithLabelValues(string(res.Status), trigger).Inc()
	metrics.ExecutionSeconds.Observe(elapsed.Seconds())
	e.record(execID, workflow, trigger, start, time.Now(), input, res)
	e.logEntry(ctx, execID, levelFor(res.Status), fmt.Sprintf("finished %q: %s (%s)", workflow, res.Status, elapsed.Round(time.Millisecond)))
	return res
}

func (e *Executor) run(ctx context.Context, execID string, snap *registry.Snapshot, workflow string, input map[string]any) Result {
	wf, ok := snap.Workflow(workflow)
	if !ok {
		return errResult("unknown workflow %q", workflow)
	}
	if !wf.Active {
		return errResult("workflow %q is not active", workflow)
	}
	e.logEntry(ctx, execID, "info", fmt.Sprintf("starting %q", workflow))

	bindings, err := e.resolver.Resolve(snap, wf, input)
	if err != nil {
		return errResult("resolving profiles for %q: %v", workflow, err)
	}
	// Tool order decides which auth prompt wins when several tools need one.
	for _, toolName := range wf.ToolsRequired {
		if b := bindings[toolName]; b.AuthRequired {
			e.logEntry(ctx, execID, "warn", fmt.Sprintf("tool %q needs authorization for profile %q", toolName, b.Profile))
			return Result{Status: StatusAuthRequired, Profile: b.Profile, AuthURL: b.AuthURL}
		}
	}

	tools := make(map[string]registry.Tool, len(wf.ToolsRequired))
	for _, toolName := range wf.ToolsRequired {
		factory, ok := e.registry.ToolFactory(toolName)
		if !ok {
			return errResult("no implementation registered for tool %q", toolName)
		}
		b := bindings[toolName]
		tool, err := factory(registry.ToolConfig{Profile: b.Profile, Settings: b.Config})
		if err != nil {
			return errResult("constructing tool %q: %v", toolName, err)
		}
		tools[toolName] = tool
	}

	runner, ok := e.registry.Runner(wf.Name)
	if !ok {
		if wf.ScriptPath == "" || e.scriptRunner == nil {
			return errResult("workflow %q has no entry point", workflow)
		}
		runner = e.scriptRunner(wf.ScriptPath)
	}

	data, err := invoke(ctx, runner, input, tools)
	if err != nil {
		e.logEntry(ctx, execID, "error", err.Error())
		return Result{Status: StatusError, Message: err.Error()}
	}
	return Result{Status: StatusSuccess, Data: data}
}

// invoke runs the entry point with panic isolation: a panicking workflow
// becomes an error result, never a crashed worker.
func invoke(ctx context.Context, runner registry.WorkflowRunner, input map[string]any, tools map[string]registry.Tool) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return runner.Run(ctx, input, tools)
}

func (e *Executor) record(execID, workflow, trigger string, start, end time.Time, input map[string]any, res Result) {
	inputJSON, _ := json.Marshal(input)
	resultJSON, _ := json.Marshal(res.Data)
	_, err := e.db.SQLDB().Exec(e.db.Rebind(
		`INSERT INTO executions (id, workflow_name, trigger_type, start_time, end_time, status, input_data, result, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		execID, workflow, trigger,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
		string(res.Status), string(inputJSON), string(resultJSON), res.Message)
	if err != nil {
		log.Printf("executor: recording execution %s: %v", execID, err)
	}
}

func (e *Executor) logEntry(ctx context.Context, execID, level, msg string) {
	if e.logs == nil {
		return
	}
	entry := runlog.Entry{ExecutionID: execID, Time: time.Now().UTC(), Level: level, Message: msg}
	if err := e.logs.Append(ctx, entry); err != nil {
		log.Printf("executor: appending run log for %s: %v", execID, err)
	}
}

func levelFor(s Status) string {
	if s == StatusSuccess {
		return "info"
	}
	return "error"
}

func errResult(format string, args ...any) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// Record is one row of execution history.
type Record struct {
	ID       string    `json:"id"`
	Workflow string    `json:"workflow_name"`
	Trigger  string    `json:"trigger_type"`
	Start    time.Time `json:"start_time"`
	End      time.Time `json:"end_time,omitzero"`
	Status   Status    `json:"status"`
	Error    string    `json:"error,omitempty"`
}

// History returns the most recent executions, newest first.
func (e *Executor) History(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.db.SQLDB().Query(e.db.Rebind(
		`SELECT id, workflow_name, trigger_type, start_time, end_time, status, error
		 FROM executions ORDER BY start_time DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("executor: loading history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var start, end, errMsg string
		if err := rows.Scan(&rec.ID, &rec.Workflow, &rec.Trigger, &start, &end, &rec.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("executor: scanning history: %w", err)
		}
		rec.Start, _ = time.Parse(time.RFC3339Nano, start)
		rec.End, _ = time.Parse(time.RFC3339Nano, end)
		rec.Error = errMsg
		out = append(out, rec)
	}
	return out, rows.Err()
}
