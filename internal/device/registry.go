package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RegistryConfig holds configuration for the device registry.
type RegistryConfig struct {
	Repository Repository
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Registry owns device and SIM records. Writes are serialized per key; there
// is no registry-wide lock.
type Registry struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
	locks  *keyLocker
}

// NewRegistry creates a new device registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		repo:   cfg.Repository,
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
		now:    now,
		locks:  newKeyLocker(),
	}
}

// UpsertDevice creates the device if it does not exist, otherwise updates its attributes.
// Returns true if the device was created.
func (r *Registry) UpsertDevice(ctx context.Context, id string, attrs DeviceAttrs) (*Device, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, ErrInvalidDeviceID
	}

	unlock := r.locks.Lock(deviceKey(id))
	defer unlock()

	now := r.now().UTC()
	d, err := r.repo.GetDevice(ctx, id)
	created := false
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		created = true
		d = &Device{
			ID:           id,
			HealthStatus: HealthUnknown,
			CreatedAt:    now,
		}
	case err != nil:
		return nil, false, fmt.Errorf("get device %s: %w", id, err)
	}

	d.CountryCode = strings.ToUpper(attrs.CountryCode)
	d.UpdatedAt = now

	if err := r.repo.SaveDevice(ctx, d); err != nil {
		return nil, false, err
	}

	if created {
		r.logger.Info().Str("device_id", id).Msg("device registered")
	}
	return copyDevice(d), created, nil
}

// RecordSeen updates the device's last-seen time. Older timestamps are ignored.
func (r *Registry) RecordSeen(ctx context.Context, id string, at time.Time) error {
	unlock := r.locks.Lock(deviceKey(id))
	defer unlock()

	d, err := r.repo.GetDevice(ctx, id)
	if err != nil {
		return err
	}

	if d.LastSeenAt != nil && !at.After(*d.LastSeenAt) {
		return nil
	}
	at = at.UTC()
	d.LastSeenAt = &at
	d.UpdatedAt = r.now().UTC()
	return r.repo.SaveDevice(ctx, d)
}

// SetImei changes the device IMEI after validating its format and check digit.
// Every change is recorded in the IMEI audit log.
func (r *Registry) SetImei(ctx context.Context, id, imei string) error {
	if err := ValidateIMEI(imei); err != nil {
		return err
	}

	unlock := r.locks.Lock(deviceKey(id))
	defer unlock()

	d, err := r.repo.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if d.IMEI == imei {
		return nil
	}

	now := r.now().UTC()
	old := d.IMEI
	d.IMEI = imei
	d.UpdatedAt = now
	if err := r.repo.SaveDeviceImei(ctx, d, ImeiAudit{
		DeviceID:  id,
		OldIMEI:   old,
		NewIMEI:   imei,
		ChangedAt: now,
	}); err != nil {
		return err
	}

	r.logger.Info().
		Str("device_id", id).
		Str("old_imei", old).
		Str("new_imei", imei).
		Msg("imei changed")
	return nil
}

// ImeiHistory returns the IMEI changes recorded for a device, oldest first.
func (r *Registry) ImeiHistory(ctx context.Context, id string) ([]ImeiAudit, error) {
	if _, err := r.repo.GetDevice(ctx, id); err != nil {
		return nil, err
	}
	return r.repo.ListImeiAudit(ctx, id)
}

// UpsertSIM creates the SIM if it does not exist, otherwise updates its attributes.
// New SIMs start in SimUnknown until the first probe.
func (r *Registry) UpsertSIM(ctx context.Context, id string, attrs SimAttrs) (*SIM, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, ErrSimNotFound
	}

	unlock := r.locks.Lock(simKey(id))
	defer unlock()

	now := r.now().UTC()
	s, err := r.repo.GetSIM(ctx, id)
	created := false
	switch {
	case errors.Is(err, ErrSimNotFound):
		created = true
		s = &SIM{
			ID:        id,
			Status:    SimUnknown,
			CreatedAt: now,
		}
	case err != nil:
		return nil, false, fmt.Errorf("get sim %s: %w", id, err)
	}

	s.CountryCode = strings.ToUpper(attrs.CountryCode)
	s.UpdatedAt = now
	if err := r.repo.SaveSIM(ctx, s); err != nil {
		return nil, false, err
	}
	return copySIM(s), created, nil
}

// LinkSim assigns the SIM to the device. Linking the SIM already assigned to
// the device is a no-op.
func (r *Registry) LinkSim(ctx context.Context, deviceID, simID string) error {
	unlock, d, err := r.lockDeviceWith(ctx, deviceID, simKey(simID))
	if err != nil {
		return err
	}
	defer unlock()

	return r.link(ctx, d, simID)
}

func (r *Registry) link(ctx context.Context, d *Device, simID string) error {
	if err := r.linkable(ctx, d, simID); err != nil {
		return err
	}
	if d.SimID == simID {
		return nil
	}
	return r.assign(ctx, d, simID)
}

// linkable reports why simID cannot be assigned to d, if anything.
func (r *Registry) linkable(ctx context.Context, d *Device, simID string) error {
	s, err := r.repo.GetSIM(ctx, simID)
	if err != nil {
		return err
	}
	if s.Status == SimReplaced {
		return ErrSimReplaced
	}

	owner, err := r.repo.FindDeviceBySim(ctx, simID)
	switch {
	case err == nil && owner.ID != d.ID:
		return ErrSimAlreadyLinked
	case err != nil && !errors.Is(err, ErrDeviceNotFound):
		return err
	}
	return nil
}

func (r *Registry) assign(ctx context.Context, d *Device, simID string) error {
	previous := d.SimID
	d.SimID = simID
	d.UpdatedAt = r.now().UTC()
	if err := r.repo.SaveDevice(ctx, d); err != nil {
		return err
	}

	r.logger.Info().
		Str("device_id", d.ID).
		Str("sim_id", simID).
		Str("previous_sim_id", previous).
		Msg("sim linked")
	return nil
}

// UnlinkSim removes the SIM assignment from the device.
func (r *Registry) UnlinkSim(ctx context.Context, deviceID string) error {
	unlock, d, err := r.lockDeviceWith(ctx, deviceID)
	if err != nil {
		return err
	}
	defer unlock()

	if !d.HasSim() {
		return nil
	}
	d.SimID = ""
	d.UpdatedAt = r.now().UTC()
	return r.repo.SaveDevice(ctx, d)
}

// ReplaceSim swaps the device's SIM: the new SIM is linked and the previous
// one is marked Replaced. Nothing changes unless the new SIM can be linked.
func (r *Registry) ReplaceSim(ctx context.Context, deviceID, newSimID string) error {
	unlock, d, err := r.lockDeviceWith(ctx, deviceID, simKey(newSimID))
	if err != nil {
		return err
	}
	defer unlock()

	if d.SimID == newSimID {
		return nil
	}
	if err := r.linkable(ctx, d, newSimID); err != nil {
		return err
	}

	oldID := d.SimID
	if err := r.assign(ctx, d, newSimID); err != nil {
		return err
	}
	if oldID == "" {
		return nil
	}

	old, err := r.repo.GetSIM(ctx, oldID)
	switch {
	case errors.Is(err, ErrSimNotFound):
		return nil
	case err != nil:
		return err
	}
	old.Status = SimReplaced
	old.UpdatedAt = r.now().UTC()
	return r.repo.SaveSIM(ctx, old)
}

// GetDeviceView returns a consistent snapshot of the device and its linked SIM.
func (r *Registry) GetDeviceView(ctx context.Context, id string) (*DeviceView, error) {
	unlock, d, err := r.lockDeviceWith(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	view := &DeviceView{Device: *d}
	if d.HasSim() {
		s, err := r.repo.GetSIM(ctx, d.SimID)
		if err != nil && !errors.Is(err, ErrSimNotFound) {
			return nil, err
		}
		view.SIM = s
	}
	return view, nil
}

// ListDevices returns all registered devices.
func (r *Registry) ListDevices(ctx context.Context) ([]*Device, error) {
	return r.repo.ListDevices(ctx)
}

// ListSIMs returns all known SIMs.
func (r *Registry) ListSIMs(ctx context.Context) ([]*SIM, error) {
	return r.repo.ListSIMs(ctx)
}

// DeviceForSim returns the device the SIM is linked to.
func (r *Registry) DeviceForSim(ctx context.Context, simID string) (*Device, error) {
	return r.repo.FindDeviceBySim(ctx, simID)
}

// SetHealth updates the device health status. If from is given, the update
// only applies while the current status is one of from. Returns true if the
// status changed. Only the health monitor calls this.
func (r *Registry) SetHealth(ctx context.Context, id string, status HealthStatus, from ...HealthStatus) (bool, error) {
	unlock := r.locks.Lock(deviceKey(id))
	defer unlock()

	d, err := r.repo.GetDevice(ctx, id)
	if err != nil {
		return false, err
	}
	if d.HealthStatus == status {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, d.HealthStatus) {
		return false, nil
	}

	d.HealthStatus = status
	d.UpdatedAt = r.now().UTC()
	if err := r.repo.SaveDevice(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateSimStatus records a status check for the SIM and moves it to status.
// Entering SimBlocked stamps BlockDetectedAt; leaving it clears the stamp.
// Replaced SIMs are never changed. Only the health monitor calls this.
func (r *Registry) UpdateSimStatus(ctx context.Context, simID string, status SimStatus, checkedAt time.Time) (*SIM, error) {
	unlock := r.locks.Lock(simKey(simID))
	defer unlock()

	s, err := r.repo.GetSIM(ctx, simID)
	if err != nil {
		return nil, err
	}
	if s.Status == SimReplaced {
		return copySIM(s), nil
	}

	checkedAt = checkedAt.UTC()
	s.LastStatusCheckAt = &checkedAt
	if s.Status != status {
		switch {
		case status == SimBlocked:
			s.BlockDetectedAt = &checkedAt
		case s.Status == SimBlocked:
			s.BlockDetectedAt = nil
		}
		s.Status = status
	}
	s.UpdatedAt = r.now().UTC()

	if err := r.repo.SaveSIM(ctx, s); err != nil {
		return nil, err
	}
	return copySIM(s), nil
}

// lockDeviceWith locks the device, its current SIM and any extra keys. The
// device's SIM can change between the read and the lock, so the read is
// repeated until it is stable.
func (r *Registry) lockDeviceWith(ctx context.Context, deviceID string, extra ...string) (func(), *Device, error) {
	for {
		d, err := r.repo.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, nil, err
		}

		keys := append([]string{deviceKey(deviceID)}, extra...)
		if d.HasSim() {
			keys = append(keys, simKey(d.SimID))
		}
		unlock := r.locks.Lock(keys...)

		current, err := r.repo.GetDevice(ctx, deviceID)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if current.SimID == d.SimID {
			return unlock, current, nil
		}
		unlock()

		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}
