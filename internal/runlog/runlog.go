// Package runlog buffers per-execution log entries and fans them out to
// live subscribers (the dashboard's log stream). Backends: in-memory ring
// for single-node runs, Redis for deployments that want the buffer to
// survive restarts.
package runlog

import (
	"context"
	"time"
)

type Entry struct {
	ExecutionID string    `json:"execution_id"`
	Time        time.Time `json:"time"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
}

// Buffer is an append-only per-execution log store.
type Buffer interface {
	// Append stores an entry and delivers it to live subscribers.
	Append(ctx context.Context, e Entry) error
	// Entries returns all buffered entries for one execution, oldest first.
	Entries(ctx context.Context, executionID string) ([]Entry, error)
	// Subscribe streams entries appended for one execution from now on.
	// The returned cancel func must be called to release the subscription.
	Subscribe(executionID string) (<-chan Entry, func())
	Close() error
}
