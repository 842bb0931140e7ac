package message

import (
	"context"
	"sort"
	"sync"
)

// InMemoryArchive is an in-memory implementation of Archive.
// This is intended for testing. Production should use the PostgreSQL implementation.
type InMemoryArchive struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewInMemoryArchive creates a new in-memory archive.
func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{messages: make(map[string]*Message)}
}

// Save creates or replaces the message record.
func (a *InMemoryArchive) Save(_ context.Context, m *Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[m.ID] = m.Clone()
	return nil
}

// Get retrieves a message by ID.
func (a *InMemoryArchive) Get(_ context.Context, id string) (*Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return m.Clone(), nil
}

// ListByStates returns messages in any of the given states, oldest first.
func (a *InMemoryArchive) ListByStates(_ context.Context, states []State, opts ListOptions) ([]*Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var items []*Message
	for _, m := range a.messages {
		if !want[m.State] {
			continue
		}
		if opts.DeviceID != "" && m.DeviceID != opts.DeviceID {
			continue
		}
		items = append(items, m.Clone())
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

var _ Archive = (*InMemoryArchive)(nil)
