// Package scheduler runs the single timer-driven loop that turns due jobs
// into execution dispatches. It never blocks on workflow completion.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flowdeck/flowdeck/internal/jobs"
	"github.com/flowdeck/flowdeck/internal/metrics"
	"github.com/flowdeck/flowdeck/internal/registry"
)

// Dispatcher hands a due job to the execution pool without blocking.
type Dispatcher interface {
	Dispatch(workflow, jobID string)
}

// DispatchFunc adapts a plain function to Dispatcher.
type DispatchFunc func(workflow, jobID string)

func (f DispatchFunc) Dispatch(workflow, jobID string) { f(workflow, jobID) }

// Scheduler evaluates the job table once per tick and dispatches eligible
// jobs. A due job whose workflow or required tools have gone inactive is
// skipped; the occurrence is consumed either way, so a skip is never retried
// at the next tick.
type Scheduler struct {
	registry   *registry.Registry
	table      *jobs.Table
	dispatcher Dispatcher
	tick       time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	resync chan struct{}
}

func New(reg *registry.Registry, table *jobs.Table, d Dispatcher, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		registry:   reg,
		table:      table,
		dispatcher: d,
		tick:       tick,
		resync:     make(chan struct{}, 1),
	}
}

// Start syncs the table against the current snapshot and launches the tick
// loop. Stop halts it.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.SyncNow()
	s.wg.Add(1)
	go s.run(ctx)
	log.Printf("scheduler: started, tick interval %s", s.tick)
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	log.Printf("scheduler: stopped")
}

// Resync requests a table sync against the current snapshot. Called after
// reload/toggle; coalesces if a sync is already pending.
func (s *Scheduler) Resync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resync:
			s.SyncNow()
		case now := <-ticker.C:
			s.tickOnce(now)
		}
	}
}

// SyncNow reconciles the job table with the current snapshot immediately,
// on the caller's goroutine.
func (s *Scheduler) SyncNow() {
	s.table.Sync(s.registry.Snapshot(), time.Now())
	metrics.ScheduledJobs.Set(float64(len(s.table.List())))
}

// tickOnce processes all jobs due at now. Dispatch is fire-and-forget: the
// occurrence is consumed up front and the loop moves on.
func (s *Scheduler) tickOnce(now time.Time) {
	snap := s.registry.Snapshot()
	for _, job := range s.table.Due(now) {
		// The snapshot may have changed since the last sync; re-check before
		// dispatching.
		wf, ok := snap.Workflow(job.Workflow)
		if !ok || !wf.Active || !wf.HasTrigger(registry.TriggerSchedule) {
			log.Printf("scheduler: job %s: workflow %q no longer schedulable, awaiting resync", job.ID, job.Workflow)
			continue
		}

		if inactive := inactiveTool(snap, wf); inactive != "" {
			log.Printf("scheduler: skipping %q: required tool %q is inactive", job.Workflow, inactive)
			if err := s.table.MarkDispatched(job.ID, now); err != nil {
				log.Printf("scheduler: job %s: %v", job.ID, err)
				continue
			}
			if err := s.table.RecordOutcome(job.ID, jobs.StatusSkipped, now); err != nil {
				log.Printf("scheduler: job %s: %v", job.ID, err)
			}
			continue
		}

		if err := s.table.MarkDispatched(job.ID, now); err != nil {
			log.Printf("scheduler: job %s: %v", job.ID, err)
			continue
		}
		log.Printf("scheduler: dispatching %q (job %s)", job.Workflow, job.ID)
		s.dispatcher.Dispatch(job.Workflow, job.ID)
	}
}

func inactiveTool(snap *registry.Snapshot, wf *registry.WorkflowDefinition) string {
	for _, tool := range wf.ToolsRequired {
		if !snap.ToolActive(tool) {
			return tool
		}
	}
	return ""
}
