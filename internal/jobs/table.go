// Package jobs maintains the persistent table of cron-driven jobs derived
// from the registry snapshot. Rows are mutated only by the scheduler loop
// and the executor; one record at a time.
package jobs

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowdeck/flowdeck/internal/registry"
	"github.com/flowdeck/flowdeck/internal/store"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// ScheduledJob is one cron-driven job. Its id is minted on first creation and
// stays stable for the workflow across reloads and restarts. Active always
// mirrors "workflow active AND schedule trigger present"; it is never set
// independently.
type ScheduledJob struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow_name"`
	CronExpr   string    `json:"cron_expression"`
	Active     bool      `json:"active"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastStatus Status    `json:"last_status,omitempty"`

	seq int64 // insertion order, tie-break for Due
}

// Table is the in-memory job set mirrored row-by-row to the store.
type Table struct {
	db *store.DB

	mu      sync.Mutex
	jobs    map[string]*ScheduledJob // keyed by workflow name
	nextSeq int64
}

// NewTable loads persisted jobs so ids, last-run metadata and insertion order
// survive restarts. The first Sync reconciles the set against the snapshot.
func NewTable(db *store.DB) (*Table, error) {
	t := &Table{db: db, jobs: make(map[string]*ScheduledJob), nextSeq: 1}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Sync reconciles the table with a registry snapshot: one job per workflow
// that is active and declares the schedule trigger, nothing else. A changed
// cron expression recomputes NextRun from now. Errors are isolated per job.
func (t *Table) Sync(snap *registry.Snapshot, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wanted := map[string]bool{}
	for _, name := range snap.WorkflowNames() {
		wf := snap.Workflows[name]
		if !wf.Active || !wf.HasTrigger(registry.TriggerSchedule) {
			continue
		}
		wanted[name] = true

		job, exists := t.jobs[name]
		if !exists {
			next, err := nextAfter(wf.Schedule, now)
			if err != nil {
				log.Printf("jobs: workflow %q: %v", name, err)
				continue
			}
			job = &ScheduledJob{
				ID:       "job_" + uuid.New().String(),
				Workflow: name,
				CronExpr: wf.Schedule,
				Active:   true,
				NextRun:  next,
				seq:      t.nextSeq,
			}
			t.nextSeq++
			t.jobs[name] = job
		} else {
			job.Active = true
			if job.CronExpr != wf.Schedule {
				next, err := nextAfter(wf.Schedule, now)
				if err != nil {
					log.Printf("jobs: workflow %q: %v", name, err)
					continue
				}
				job.CronExpr = wf.Schedule
				job.NextRun = next
			} else if job.NextRun.IsZero() {
				next, err := nextAfter(wf.Schedule, now)
				if err != nil {
					log.Printf("jobs: workflow %q: %v", name, err)
					continue
				}
				job.NextRun = next
			}
		}
		if err := t.persist(job); err != nil {
			log.Printf("jobs: persisting %q: %v", name, err)
		}
	}

	for name, job := range t.jobs {
		if wanted[name] {
			continue
		}
		delete(t.jobs, name)
		if _, err := t.db.SQLDB().Exec(t.db.Rebind(`DELETE FROM scheduled_jobs WHERE id = ?`), job.ID); err != nil {
			log.Printf("jobs: removing %q: %v", name, err)
		}
	}
}

// Due returns jobs with NextRun <= now, earliest first; equal NextRun breaks
// ties by insertion order so repeated ticks see a stable sequence.
func (t *Table) Due(now time.Time) []ScheduledJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []ScheduledJob
	for _, job := range t.jobs {
		if job.Active && !job.NextRun.IsZero() && !job.NextRun.After(now) {
			due = append(due, *job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRun.Equal(due[j].NextRun) {
			return due[i].NextRun.Before(due[j].NextRun)
		}
		return due[i].seq < due[j].seq
	})
	return due
}

// MarkDispatched advances NextRun to the next occurrence strictly after now,
// before the run completes. At most one dispatch per occurrence; a slow run
// may overlap its own next occurrence.
func (t *Table) MarkDispatched(id string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.byID(id)
	if job == nil {
		return fmt.Errorf("jobs: no job %q", id)
	}
	next, err := nextAfter(job.CronExpr, now)
	if err != nil {
		return fmt.Errorf("jobs: %q: %w", job.Workflow, err)
	}
	job.NextRun = next
	return t.persist(job)
}

// RecordOutcome sets the job's last run metadata.
func (t *Table) RecordOutcome(id string, status Status, ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.byID(id)
	if job == nil {
		return fmt.Errorf("jobs: no job %q", id)
	}
	job.LastRun = ts
	job.LastStatus = status
	return t.persist(job)
}

// JobFor returns the job owned by a workflow, if any.
func (t *Table) JobFor(workflow string) (ScheduledJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[workflow]
	if !ok {
		return ScheduledJob{}, false
	}
	return *job, true
}

// List returns all jobs sorted by workflow name.
func (t *Table) List() []ScheduledJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ScheduledJob, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workflow < out[j].Workflow })
	return out
}

func (t *Table) byID(id string) *ScheduledJob {
	for _, job := range t.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// nextAfter computes the next occurrence strictly after ref for a standard
// 5-field cron expression.
func nextAfter(expr string, ref time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(ref), nil
}

func (t *Table) persist(job *ScheduledJob) error {
	_, err := t.db.SQLDB().Exec(t.db.Rebind(
		`INSERT INTO scheduled_jobs (id, workflow_name, cron_expression, active, next_run, last_run, last_status, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   workflow_name = excluded.workflow_name,
		   cron_expression = excluded.cron_expression,
		   active = excluded.active,
		   next_run = excluded.next_run,
		   last_run = excluded.last_run,
		   last_status = excluded.last_status`),
		job.ID, job.Workflow, job.CronExpr, boolInt(job.Active),
		timeStr(job.NextRun), timeStr(job.LastRun), string(job.LastStatus),
		job.seq, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("persist job %q: %w", job.Workflow, err)
	}
	return nil
}

func (t *Table) load() error {
	rows, err := t.db.SQLDB().Query(
		`SELECT id, workflow_name, cron_expression, active, next_run, last_run, last_status, seq FROM scheduled_jobs`)
	if err != nil {
		return fmt.Errorf("jobs: load: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var job ScheduledJob
		var active int
		var nextRun, lastRun, lastStatus sql.NullString
		if err := rows.Scan(&job.ID, &job.Workflow, &job.CronExpr, &active, &nextRun, &lastRun, &lastStatus, &job.seq); err != nil {
			return fmt.Errorf("jobs: scan: %w", err)
		}
		job.Active = active != 0
		job.NextRun = parseTime(nextRun.String)
		job.LastRun = parseTime(lastRun.String)
		job.LastStatus = Status(lastStatus.String)
		t.jobs[job.Workflow] = &job
		if job.seq >= t.nextSeq {
			t.nextSeq = job.seq + 1
		}
	}
	return rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
