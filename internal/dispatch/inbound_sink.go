package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/message"
)

// InboundSink receives inbound messages once they leave the queue.
type InboundSink interface {
	Forward(ctx context.Context, m *message.Message) error
}

// inboundEvent is the wire form of a forwarded inbound message.
type inboundEvent struct {
	MessageID  string    `json:"message_id"`
	DeviceID   string    `json:"device_id"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Translated bool      `json:"translated"`
	Downgraded bool      `json:"downgraded"`
	ReceivedAt time.Time `json:"received_at"`
}

func newInboundEvent(m *message.Message) inboundEvent {
	ev := inboundEvent{
		MessageID:  m.ID,
		DeviceID:   m.DeviceID,
		Text:       m.DeliveryText(),
		Language:   m.Payload.SourceLanguage,
		Translated: m.TranslatedPayload != nil,
		Downgraded: m.Downgraded,
		ReceivedAt: m.CreatedAt,
	}
	if ev.Translated {
		ev.Language = m.Payload.TargetLanguage
	}
	return ev
}

// LogInboundSink logs inbound messages. It is used when no downstream is configured.
type LogInboundSink struct {
	logger zerolog.Logger
}

// NewLogInboundSink creates a logging sink.
func NewLogInboundSink(logger zerolog.Logger) *LogInboundSink {
	return &LogInboundSink{logger: logger.With().Str("component", "inbound-sink").Logger()}
}

// Forward logs m.
func (s *LogInboundSink) Forward(_ context.Context, m *message.Message) error {
	s.logger.Info().
		Str("message_id", m.ID).
		Str("device_id", m.DeviceID).
		Int("length", len(m.DeliveryText())).
		Bool("translated", m.TranslatedPayload != nil).
		Msg("inbound message forwarded")
	return nil
}

// PubSubInboundSink publishes inbound messages to a Pub/Sub topic, ordered per device.
type PubSubInboundSink struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// NewPubSubInboundSink creates a publisher for topic.
func NewPubSubInboundSink(ctx context.Context, projectID, topic string) (*PubSubInboundSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	publisher := client.Publisher(topic)
	publisher.EnableMessageOrdering = true

	return &PubSubInboundSink{client: client, publisher: publisher}, nil
}

// Forward publishes m and waits for the server acknowledgement.
func (s *PubSubInboundSink) Forward(ctx context.Context, m *message.Message) error {
	data, err := json.Marshal(newInboundEvent(m))
	if err != nil {
		return fmt.Errorf("encoding inbound message: %w", err)
	}

	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: m.DeviceID,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses the key until resumed.
		s.publisher.ResumePublish(m.DeviceID)
		return fmt.Errorf("publishing inbound message %s: %w", m.ID, err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (s *PubSubInboundSink) Close() error {
	s.publisher.Stop()
	return s.client.Close()
}
