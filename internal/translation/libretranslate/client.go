// Package libretranslate implements translation.Provider against a
// LibreTranslate-compatible HTTP API.
package libretranslate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/simgate/simgate/internal/provider/resilience"
	"github.com/simgate/simgate/internal/translation"
)

// Config holds configuration for the LibreTranslate client.
type Config struct {
	// BaseURL is the API root, e.g. "http://libretranslate:5000".
	BaseURL string

	// APIKey is sent with every request when set.
	APIKey string

	// Timeout is the HTTP timeout. The stage applies its own deadline as well.
	// Default: 5 seconds
	Timeout time.Duration

	Registry *resilience.Registry
}

// Client calls the LibreTranslate API.
type Client struct {
	baseURL string
	apiKey  string
	http    *resilience.Client
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

type detectRequest struct {
	Q      string `json:"q"`
	APIKey string `json:"api_key,omitempty"`
}

type detection struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// New creates a LibreTranslate client. Retries are left to the translation stage.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	clientCfg := resilience.DefaultClientConfig("libretranslate")
	clientCfg.Timeout = cfg.Timeout
	clientCfg.NoRetry = true
	clientCfg.Registry = cfg.Registry

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    resilience.NewClient(clientCfg),
	}
}

// Translate translates text. An empty sourceLang asks the server to detect it.
func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if sourceLang == "" {
		sourceLang = "auto"
	}

	var resp translateResponse
	err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/translate", translateRequest{
		Q:      text,
		Source: sourceLang,
		Target: targetLang,
		Format: "text",
		APIKey: c.apiKey,
	}, &resp)
	if resilience.IsStatus(err, http.StatusBadRequest) {
		return "", fmt.Errorf("%s to %s: %w", sourceLang, targetLang, translation.ErrUnsupportedLanguage)
	}
	if err != nil {
		return "", err
	}
	return resp.TranslatedText, nil
}

// DetectLanguage returns the most confident detection.
func (c *Client) DetectLanguage(ctx context.Context, text string) (string, error) {
	var resp []detection
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/detect", detectRequest{Q: text, APIKey: c.apiKey}, &resp); err != nil {
		return "", err
	}

	best := detection{}
	for _, d := range resp {
		if d.Confidence > best.Confidence || best.Language == "" {
			best = d
		}
	}
	if best.Language == "" {
		return "", errors.New("no language detected")
	}
	return best.Language, nil
}

var _ translation.Provider = (*Client)(nil)
