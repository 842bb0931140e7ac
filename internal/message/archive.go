package message

import "context"

// ListOptions contains options for listing archived messages.
type ListOptions struct {
	DeviceID string
	Limit    int
}

// Archive persists messages across restarts. Messages are never deleted.
type Archive interface {
	// Save creates or replaces the message record.
	Save(ctx context.Context, m *Message) error

	// Get retrieves a message by ID.
	Get(ctx context.Context, id string) (*Message, error)

	// ListByStates returns messages in any of the given states, oldest first.
	ListByStates(ctx context.Context, states []State, opts ListOptions) ([]*Message, error)
}
