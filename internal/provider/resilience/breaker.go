// Package resilience wraps calls to the gateway's HTTP collaborators (the
// endpoint bridge, the translation service, the network status probe and
// alert webhooks) with timeouts, retries and a circuit breaker, and tracks
// their health for the ops API.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker guarding one collaborator.
type BreakerConfig struct {
	// MinRequests is the number of calls in the current window before the
	// failure ratio is considered.
	// Default: 5
	MinRequests uint32

	// FailureRatio opens the breaker once this share of calls has failed.
	// Default: 0.5
	FailureRatio float64

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30 seconds
	Cooldown time.Duration

	// Probes is the number of calls let through while half-open.
	// Default: 1
	Probes uint32

	// Window clears the counts periodically while closed. Zero keeps
	// counting until the next state change.
	Window time.Duration
}

// DefaultBreakerConfig returns the breaker settings used for every collaborator
// unless overridden.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinRequests:  5,
		FailureRatio: 0.5,
		Cooldown:     30 * time.Second,
		Probes:       1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.MinRequests == 0 {
		c.MinRequests = d.MinRequests
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = d.FailureRatio
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Probes == 0 {
		c.Probes = d.Probes
	}
	return c
}

// ShouldTrip reports whether counts warrant opening the breaker.
func (c BreakerConfig) ShouldTrip(counts gobreaker.Counts) bool {
	c = c.withDefaults()
	if counts.Requests < c.MinRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

// countsAsSuccess keeps caller cancellations out of the failure counts. The
// dispatcher cancels deliveries when a device is purged or its SIM blocked,
// which says nothing about the collaborator.
func countsAsSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func newBreaker[T any](name string, cfg BreakerConfig, onChange func(name string, from, to gobreaker.State)) *gobreaker.CircuitBreaker[T] {
	cfg = cfg.withDefaults()
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:          name,
		MaxRequests:   cfg.Probes,
		Interval:      cfg.Window,
		Timeout:       cfg.Cooldown,
		ReadyToTrip:   cfg.ShouldTrip,
		IsSuccessful:  countsAsSuccess,
		OnStateChange: onChange,
	})
}
