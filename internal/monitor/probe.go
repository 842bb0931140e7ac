package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/simgate/simgate/internal/device"
	"github.com/simgate/simgate/internal/provider/resilience"
)

// Probe asks the mobile network about a SIM.
type Probe interface {
	CheckSimStatus(ctx context.Context, simID string) (device.ProbeResult, error)
}

// HTTPProbe queries a network status service over HTTP.
type HTTPProbe struct {
	baseURL string
	client  *resilience.Client
}

type probeResponse struct {
	Status string `json:"status"`
}

// NewHTTPProbe creates a probe for the service at baseURL.
func NewHTTPProbe(baseURL string, timeout time.Duration, registry *resilience.Registry) *HTTPProbe {
	cfg := resilience.DefaultClientConfig("network-probe")
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	cfg.Registry = registry
	return &HTTPProbe{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  resilience.NewClient(cfg),
	}
}

// CheckSimStatus returns the network's view of the SIM. Unknown SIMs and
// unrecognised answers are reported as ProbeUnknown.
func (p *HTTPProbe) CheckSimStatus(ctx context.Context, simID string) (device.ProbeResult, error) {
	endpoint := fmt.Sprintf("%s/v1/sims/%s/status", p.baseURL, url.PathEscape(simID))

	var resp probeResponse
	err := p.client.DoJSON(ctx, http.MethodGet, endpoint, nil, &resp)
	if resilience.IsStatus(err, http.StatusNotFound) {
		return device.ProbeUnknown, nil
	}
	if err != nil {
		return device.ProbeUnknown, err
	}

	switch device.ProbeResult(strings.ToUpper(resp.Status)) {
	case device.ProbeActive:
		return device.ProbeActive, nil
	case device.ProbeBlocked:
		return device.ProbeBlocked, nil
	default:
		return device.ProbeUnknown, nil
	}
}

var _ Probe = (*HTTPProbe)(nil)
