package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds dispatcher tuning.
type Config struct {
	// Workers is the number of concurrent delivery workers.
	// Default: 8
	Workers int

	// MaxAttempts is the attempt ceiling before a message is dead-lettered.
	// Default: 5
	MaxAttempts int

	// BaseDelay and MaxDelay bound the retry backoff.
	// Defaults: 2 seconds and 5 minutes
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the randomization factor applied to each retry delay. It is
	// used as given; DefaultConfig sets 0.2.
	Jitter float64

	// DeliveryTimeout bounds forwarding of inbound messages to the sink.
	// Default: 30 seconds
	DeliveryTimeout time.Duration

	// IdlePoll is the longest a worker sleeps without a queue notification.
	// Default: 1 second
	IdlePoll time.Duration

	// InboundLanguage, if set, is the language inbound messages are
	// translated into before forwarding.
	InboundLanguage string
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		MaxAttempts:     5,
		BaseDelay:       2 * time.Second,
		MaxDelay:        5 * time.Minute,
		Jitter:          0.2,
		DeliveryTimeout: 30 * time.Second,
		IdlePoll:        time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = d.IdlePoll
	}
	return c
}

// RetryDelay returns the delay before the next attempt of a message that has
// made attempts attempts: BaseDelay * 2^attempts with Jitter applied, never
// more than MaxDelay.
func (c Config) RetryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = c.Jitter
	b.MaxInterval = c.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempts; i++ {
		d = b.NextBackOff()
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}
