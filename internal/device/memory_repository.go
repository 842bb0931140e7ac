package device

import (
	"context"
	"sort"
	"sync"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL implementation.
type InMemoryRepository struct {
	mu      sync.RWMutex
	devices map[string]*Device
	sims    map[string]*SIM
	audit   map[string][]ImeiAudit // keyed by device ID
}

// NewInMemoryRepository creates a new in-memory device repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		devices: make(map[string]*Device),
		sims:    make(map[string]*SIM),
		audit:   make(map[string][]ImeiAudit),
	}
}

// GetDevice retrieves a device by ID.
func (r *InMemoryRepository) GetDevice(_ context.Context, id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return copyDevice(d), nil
}

// SaveDevice creates or replaces a device.
func (r *InMemoryRepository) SaveDevice(_ context.Context, d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[d.ID] = copyDevice(d)
	return nil
}

// ListDevices returns all devices ordered by ID.
func (r *InMemoryRepository) ListDevices(_ context.Context) ([]*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		items = append(items, copyDevice(d))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// FindDeviceBySim returns the device currently linked to the SIM.
func (r *InMemoryRepository) FindDeviceBySim(_ context.Context, simID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.SimID == simID {
			return copyDevice(d), nil
		}
	}
	return nil, ErrDeviceNotFound
}

// GetSIM retrieves a SIM by ID.
func (r *InMemoryRepository) GetSIM(_ context.Context, id string) (*SIM, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sims[id]
	if !ok {
		return nil, ErrSimNotFound
	}
	return copySIM(s), nil
}

// SaveSIM creates or replaces a SIM.
func (r *InMemoryRepository) SaveSIM(_ context.Context, s *SIM) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sims[s.ID] = copySIM(s)
	return nil
}

// ListSIMs returns all SIMs ordered by ID.
func (r *InMemoryRepository) ListSIMs(_ context.Context) ([]*SIM, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*SIM, 0, len(r.sims))
	for _, s := range r.sims {
		items = append(items, copySIM(s))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// SaveDeviceImei saves the device and appends the IMEI audit entry together.
func (r *InMemoryRepository) SaveDeviceImei(_ context.Context, d *Device, entry ImeiAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[d.ID] = copyDevice(d)
	r.audit[entry.DeviceID] = append(r.audit[entry.DeviceID], entry)
	return nil
}

// ListImeiAudit returns the IMEI history of a device, oldest first.
func (r *InMemoryRepository) ListImeiAudit(_ context.Context, deviceID string) ([]ImeiAudit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.audit[deviceID]
	out := make([]ImeiAudit, len(entries))
	copy(out, entries)
	return out, nil
}

var _ Repository = (*InMemoryRepository)(nil)
