package store

import (
	"context"
	"sync"

	"sapdash/internal/audit"
)

// Memory is the in-memory audit store used by unit tests and local runs.
// Append-only; nothing is ever removed.
type Memory struct {
	mu      sync.RWMutex
	entries []*audit.Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	m.entries = append(m.entries, &clone)
	return nil
}

func (m *Memory) ListByResource(_ context.Context, resourceType, resourceID string) ([]*audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*audit.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *Memory) ListRecent(_ context.Context, limit int) ([]*audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*audit.Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *m.entries[i]
		out = append(out, &clone)
	}
	return out, nil
}

// All returns every entry in append order. Test helper.
func (m *Memory) All() []*audit.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*audit.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		clone := *e
		out = append(out, &clone)
	}
	return out
}
