// Package session tracks the protocol sessions of connected endpoints,
// performs delivery attempts over them and feeds inbound traffic to the
// dispatcher through a bounded channel.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/simgate/simgate/internal/message"
)

// Session errors.
var (
	ErrNotConnected = errors.New("session not connected")
	ErrSimBlocked   = errors.New("sim rejected by network")
	ErrStopped      = errors.New("session manager stopped")

	// ErrInboundRejected marks inbound messages that can never be admitted,
	// such as traffic from an unregistered device. Redelivering them is pointless.
	ErrInboundRejected = errors.New("inbound message rejected")
)

// State is the lifecycle state of a device session.
type State string

const (
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateLost         State = "LOST"
)

// Info describes a session for operators.
type Info struct {
	DeviceID string
	State    State
	Since    time.Time
}

// Provider is the transport to endpoints. Implementations must honour ctx cancellation.
type Provider interface {
	// Send delivers text to the device and reports whether the endpoint acknowledged it.
	// Returns ErrSimBlocked when the network refuses the SIM.
	Send(ctx context.Context, deviceID, text string) (message.Result, error)
}

// Inbound is a message received from a device.
type Inbound struct {
	DeviceID   string
	Text       string
	Language   string
	ReceivedAt time.Time
}

// InboundHandler receives inbound messages from the session workers. Errors
// wrapping ErrInboundRejected are permanent; any other error means the
// message was not stored and should be redelivered.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in Inbound) error
}

// Redeliverable reports whether an event that failed with err should be
// offered again by its source.
func Redeliverable(err error) bool {
	return err != nil && !errors.Is(err, ErrInboundRejected)
}

// SeenRecorder records device liveness.
type SeenRecorder interface {
	RecordSeen(ctx context.Context, deviceID string, at time.Time) error
}
