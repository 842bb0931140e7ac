package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Health is a snapshot of one collaborator.
type Health struct {
	Name   string
	State  gobreaker.State
	Counts gobreaker.Counts

	LastSuccessAt  *time.Time
	LastFailureAt  *time.Time
	LastError      string
	StateChangedAt *time.Time

	// Trips counts how often the breaker has opened since start.
	Trips int
}

// IsHealthy reports a closed breaker.
func (h Health) IsHealthy() bool { return h.State == gobreaker.StateClosed }

// IsDegraded reports a half-open breaker.
func (h Health) IsDegraded() bool { return h.State == gobreaker.StateHalfOpen }

// IsUnhealthy reports an open breaker.
func (h Health) IsUnhealthy() bool { return h.State == gobreaker.StateOpen }

// Registry tracks the health of every collaborator client created with it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	client         *Client
	lastSuccessAt  *time.Time
	lastFailureAt  *time.Time
	lastError      string
	stateChangedAt *time.Time
	trips          int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// register is called by NewClient. A second client with the same name
// replaces the first.
func (r *Registry) register(name string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{client: client}
}

func (r *Registry) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		now := r.now()
		e.lastSuccessAt = &now
	}
}

func (r *Registry) recordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		now := r.now()
		e.lastFailureAt = &now
		if err != nil {
			e.lastError = err.Error()
		}
	}
}

func (r *Registry) recordTransition(name string, to gobreaker.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		now := r.now()
		e.stateChangedAt = &now
		if to == gobreaker.StateOpen {
			e.trips++
		}
	}
}

// Health returns the snapshot for name.
func (r *Registry) Health(name string) (Health, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.RUnlock()
		return Health{}, false
	}
	h, client := e.snapshot(name), e.client
	r.mu.RUnlock()

	return withBreaker(h, client), true
}

// All returns every collaborator's snapshot, sorted by name.
func (r *Registry) All() []Health {
	r.mu.RLock()
	out := make([]Health, 0, len(r.entries))
	clients := make([]*Client, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, e.snapshot(name))
		clients = append(clients, e.client)
	}
	r.mu.RUnlock()

	// Breaker state is read outside r.mu: state changes call back into the
	// registry while holding the breaker's lock.
	for i := range out {
		out[i] = withBreaker(out[i], clients[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *entry) snapshot(name string) Health {
	return Health{
		Name:           name,
		LastSuccessAt:  e.lastSuccessAt,
		LastFailureAt:  e.lastFailureAt,
		LastError:      e.lastError,
		StateChangedAt: e.stateChangedAt,
		Trips:          e.trips,
	}
}

func withBreaker(h Health, c *Client) Health {
	h.State = c.State()
	h.Counts = c.Counts()
	return h
}
