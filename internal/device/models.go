// Package device provides the registry of gateway endpoints and the SIM cards
// installed in them.
package device

import (
	"errors"
	"time"
)

// Registry errors.
var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrSimNotFound       = errors.New("sim not found")
	ErrInvalidImeiFormat = errors.New("invalid imei format")
	ErrSimAlreadyLinked  = errors.New("sim already linked to another device")
	ErrSimReplaced       = errors.New("sim has been replaced")
	ErrInvalidDeviceID   = errors.New("invalid device id")
)

// HealthStatus is the observed health of a device.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "UNKNOWN"
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthOffline  HealthStatus = "OFFLINE"
)

// SimStatus is the carrier-side status of a SIM.
type SimStatus string

const (
	SimActive   SimStatus = "ACTIVE"
	SimBlocked  SimStatus = "BLOCKED"
	SimUnknown  SimStatus = "UNKNOWN"
	SimReplaced SimStatus = "REPLACED"
)

// Device is a physical cellular endpoint connected to the gateway.
type Device struct {
	ID           string
	CountryCode  string
	IMEI         string
	SimID        string // empty when no SIM is assigned
	LastSeenAt   *time.Time
	HealthStatus HealthStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasSim reports whether a SIM is linked to the device.
func (d *Device) HasSim() bool {
	return d.SimID != ""
}

// SIM is a subscriber identity module. The device link is owned by Device.SimID.
type SIM struct {
	ID                string
	CountryCode       string
	Status            SimStatus
	LastStatusCheckAt *time.Time
	BlockDetectedAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeviceAttrs carries the mutable attributes accepted by UpsertDevice.
type DeviceAttrs struct {
	CountryCode string
}

// SimAttrs carries the mutable attributes accepted by UpsertSIM.
type SimAttrs struct {
	CountryCode string
}

// ImeiAudit records a single IMEI change.
type ImeiAudit struct {
	DeviceID  string
	OldIMEI   string
	NewIMEI   string
	ChangedAt time.Time
}

// DeviceView is a consistent snapshot of a device and its linked SIM.
type DeviceView struct {
	Device Device
	SIM    *SIM
}

// ProbeResult is the outcome of a single network status probe.
type ProbeResult string

const (
	ProbeActive  ProbeResult = "ACTIVE"
	ProbeBlocked ProbeResult = "BLOCKED"
	ProbeUnknown ProbeResult = "UNKNOWN"
)

func copyDevice(d *Device) *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}

func copySIM(s *SIM) *SIM {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastStatusCheckAt != nil {
		t := *s.LastStatusCheckAt
		c.LastStatusCheckAt = &t
	}
	if s.BlockDetectedAt != nil {
		t := *s.BlockDetectedAt
		c.BlockDetectedAt = &t
	}
	return &c
}
