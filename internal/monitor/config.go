// Package monitor periodically probes SIM status and device liveness, writes
// status transitions back into the registry and raises alerts.
package monitor

import "time"

// Config holds configuration for the monitor.
type Config struct {
	// Interval is the time between ticks.
	// Default: 60 seconds
	Interval time.Duration

	// OfflineThreshold is how long a device may go unseen before it is
	// marked offline.
	// Default: 10 minutes
	OfflineThreshold time.Duration

	// BlockDebounce is the number of consecutive blocked probes needed to
	// mark a SIM blocked.
	// Default: 2
	BlockDebounce int

	// RecoveryDebounce is the number of consecutive positive observations
	// needed to clear a blocked SIM or an offline device.
	// Default: 2
	RecoveryDebounce int

	// OverflowAlertCooldown is the minimum gap between QueueOverflow alerts
	// for the same priority tier.
	// Default: 5 minutes
	OverflowAlertCooldown time.Duration

	// ProbeConcurrency is the number of probes run in parallel per tick.
	// Default: 4
	ProbeConcurrency int

	// ProbeTimeout bounds a single probe.
	// Default: 10 seconds
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:              60 * time.Second,
		OfflineThreshold:      10 * time.Minute,
		BlockDebounce:         2,
		RecoveryDebounce:      2,
		OverflowAlertCooldown: 5 * time.Minute,
		ProbeConcurrency:      4,
		ProbeTimeout:          10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = d.OfflineThreshold
	}
	if c.BlockDebounce <= 0 {
		c.BlockDebounce = d.BlockDebounce
	}
	if c.RecoveryDebounce <= 0 {
		c.RecoveryDebounce = d.RecoveryDebounce
	}
	if c.OverflowAlertCooldown <= 0 {
		c.OverflowAlertCooldown = d.OverflowAlertCooldown
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = d.ProbeConcurrency
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}
