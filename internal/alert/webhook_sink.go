package alert

import (
	"context"
	"fmt"
	"net/http"

	"github.com/simgate/simgate/internal/provider/resilience"
)

// WebhookSink posts alerts as JSON to an HTTP endpoint, retrying transient
// failures through the resilient client.
type WebhookSink struct {
	url    string
	client *resilience.Client
}

// NewWebhookSink creates a webhook sink for url.
func NewWebhookSink(url string, registry *resilience.Registry) *WebhookSink {
	cfg := resilience.DefaultClientConfig("alert-webhook")
	cfg.Registry = registry
	return &WebhookSink{url: url, client: resilience.NewClient(cfg)}
}

// Raise posts a to the webhook.
func (s *WebhookSink) Raise(ctx context.Context, a Alert) error {
	if err := s.client.DoJSON(ctx, http.MethodPost, s.url, a, nil); err != nil {
		return fmt.Errorf("posting alert %s: %w", a.ID, err)
	}
	return nil
}
