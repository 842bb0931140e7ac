package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/simgate/simgate/internal/message"
	"github.com/simgate/simgate/internal/provider/resilience"
)

// HTTPProviderConfig holds configuration for the endpoint bridge client.
type HTTPProviderConfig struct {
	// BaseURL is the bridge base URL, e.g. "http://smpp-bridge:8090".
	BaseURL string

	// Timeout is the HTTP timeout for a single call.
	// Default: 30 seconds
	Timeout time.Duration

	// Registry receives the client for provider health reporting.
	Registry *resilience.Registry
}

// HTTPProvider delivers messages through an HTTP bridge that speaks the
// endpoint protocol. The bridge answers each send with the endpoint's
// acknowledgement.
type HTTPProvider struct {
	baseURL string
	client  *resilience.Client
}

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// NewHTTPProvider creates a bridge client. Retries are disabled because the
// dispatcher owns the retry policy.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientCfg := resilience.DefaultClientConfig("session-bridge")
	clientCfg.Timeout = cfg.Timeout
	clientCfg.NoRetry = true
	clientCfg.Registry = cfg.Registry

	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  resilience.NewClient(clientCfg),
	}
}

// Send posts the text to the bridge and maps its answer to a delivery result.
func (p *HTTPProvider) Send(ctx context.Context, deviceID, text string) (message.Result, error) {
	endpoint := fmt.Sprintf("%s/v1/devices/%s/messages", p.baseURL, url.PathEscape(deviceID))

	var resp sendResponse
	err := p.client.DoJSON(ctx, http.MethodPost, endpoint, sendRequest{Text: text}, &resp)
	switch {
	case resilience.IsStatus(err, http.StatusNotFound), resilience.IsStatus(err, http.StatusConflict):
		return message.ResultError, ErrNotConnected
	case resilience.IsStatus(err, http.StatusForbidden):
		return message.ResultNacked, ErrSimBlocked
	case err != nil:
		return message.ResultError, err
	}

	switch strings.ToUpper(resp.Result) {
	case "ACKED", "ACK":
		return message.ResultAcked, nil
	case "NACKED", "NACK":
		return message.ResultNacked, nil
	case "BLOCKED":
		return message.ResultNacked, ErrSimBlocked
	case "TIMEOUT":
		return message.ResultTimeout, nil
	default:
		return message.ResultError, fmt.Errorf("unknown bridge result %q", resp.Result)
	}
}

var _ Provider = (*HTTPProvider)(nil)
