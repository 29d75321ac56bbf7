package runlog

import (
	"context"
	"sync"
)

// maxEntriesPerExecution caps the in-memory buffer; older entries are
// discarded first.
const maxEntriesPerExecution = 500

// Memory is the default Buffer: per-execution slices guarded by one mutex.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]Entry
	subs    map[string]map[int]chan Entry
	nextSub int
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string][]Entry),
		subs:    make(map[string]map[int]chan Entry),
	}
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	buf := append(m.entries[e.ExecutionID], e)
	if len(buf) > maxEntriesPerExecution {
		buf = buf[len(buf)-maxEntriesPerExecution:]
	}
	m.entries[e.ExecutionID] = buf

	for _, ch := range m.subs[e.ExecutionID] {
		select {
		case ch <- e:
		default: // slow subscriber, drop rather than block the executor
		}
	}
	return nil
}

func (m *Memory) Entries(_ context.Context, executionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries[executionID]...), nil
}

func (m *Memory) Subscribe(executionID string) (<-chan Entry, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Entry, 64)
	id := m.nextSub
	m.nextSub++
	if m.subs[executionID] == nil {
		m.subs[executionID] = make(map[int]chan Entry)
	}
	m.subs[executionID][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subs[executionID]; ok {
			if _, live := subs[id]; live {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(m.subs, executionID)
			}
		}
	}
	return ch, cancel
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.subs = make(map[string]map[int]chan Entry)
	return nil
}
