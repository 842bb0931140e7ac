package session

import (
	"context"
	"time"
)

// Endpoint event types published by the bridge.
const (
	EventConnected    = "connected"
	EventReconnecting = "reconnecting"
	EventLost         = "lost"
	EventDisconnected = "disconnected"
	EventInbound      = "inbound"
)

// EndpointEvent is a session lifecycle or traffic event from the bridge.
type EndpointEvent struct {
	Type       string    `json:"type"`
	DeviceID   string    `json:"device_id"`
	Text       string    `json:"text,omitempty"`
	Language   string    `json:"language,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// Apply applies an endpoint event. Events without a device ID and unknown
// event types are logged and dropped.
func (m *Manager) Apply(ctx context.Context, ev EndpointEvent) error {
	if ev.DeviceID == "" {
		m.logger.Warn().Str("type", ev.Type).Msg("endpoint event without device id")
		return nil
	}

	switch ev.Type {
	case EventConnected:
		m.Connected(ctx, ev.DeviceID)
	case EventReconnecting:
		m.Reconnecting(ctx, ev.DeviceID)
	case EventLost:
		m.Lost(ctx, ev.DeviceID)
	case EventDisconnected:
		m.Disconnect(ev.DeviceID)
	case EventInbound:
		return m.Receive(ctx, Inbound{
			DeviceID:   ev.DeviceID,
			Text:       ev.Text,
			Language:   ev.Language,
			ReceivedAt: ev.OccurredAt,
		})
	default:
		m.logger.Warn().Str("type", ev.Type).Msg("unknown endpoint event type")
	}
	return nil
}
