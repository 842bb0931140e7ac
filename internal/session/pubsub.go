package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// PubSubSource feeds endpoint events from a Pub/Sub subscription into a Manager.
type PubSubSource struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	manager          *Manager
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub event source.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Manager          *Manager
	Logger           zerolog.Logger
}

// NewPubSubSource creates a new Pub/Sub event source.
func NewPubSubSource(ctx context.Context, cfg PubSubConfig) (*PubSubSource, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Ordering keys are set per device by the bridge; keep the window small so
	// a slow device does not hold many events.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 100
	subscriber.ReceiveSettings.MaxExtension = 5 * time.Minute

	return &PubSubSource{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		manager:          cfg.Manager,
		logger:           cfg.Logger.With().Str("component", "session-pubsub").Logger(),
	}, nil
}

// Start receives events until ctx is cancelled.
func (s *PubSubSource) Start(ctx context.Context) error {
	s.logger.Info().
		Str("subscription", s.subscriptionName).
		Msg("starting endpoint event subscription")

	return s.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		err := s.Handle(ctx, msg.Data)
		switch {
		case err == nil:
			msg.Ack()
		case Redeliverable(err):
			s.logger.Error().Err(err).Str("message_id", msg.ID).Msg("endpoint event failed, requesting redelivery")
			msg.Nack()
		default:
			s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("endpoint event rejected")
			msg.Ack()
		}
	})
}

// Close closes the Pub/Sub client.
func (s *PubSubSource) Close() error {
	return s.client.Close()
}

// Handle decodes one endpoint event and applies it to the manager.
func (s *PubSubSource) Handle(ctx context.Context, data []byte) error {
	var ev EndpointEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decoding endpoint event: %w", err)
	}
	return s.manager.Apply(ctx, ev)
}
