package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
)

// PubSubSink publishes alerts to a Pub/Sub topic as JSON.
type PubSubSink struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// NewPubSubSink creates a publisher for topic in projectID.
func NewPubSubSink(ctx context.Context, projectID, topic string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	return &PubSubSink{client: client, publisher: client.Publisher(topic)}, nil
}

// Raise publishes a and waits for the server acknowledgement.
func (s *PubSubSink) Raise(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	result := s.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":     string(a.Kind),
			"priority": string(a.Priority),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing alert %s: %w", a.ID, err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (s *PubSubSink) Close() error {
	s.publisher.Stop()
	return s.client.Close()
}
