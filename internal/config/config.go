// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/simgate/simgate/internal/database"
	"github.com/simgate/simgate/internal/dispatch"
	"github.com/simgate/simgate/internal/monitor"
	"github.com/simgate/simgate/internal/queue"
)

// Config is the complete gateway configuration.
type Config struct {
	Env      string
	Port     string
	LogLevel string

	Database database.Config
	Dispatch dispatch.Config
	Queue    queue.Config
	Monitor  monitor.Config

	Session     SessionConfig
	Translation TranslationConfig
	Probe       ProbeConfig
	Alerts      AlertConfig
	PubSub      PubSubConfig
	Telemetry   TelemetryConfig

	JWTSigningKey string
}

// SessionConfig configures the session layer.
type SessionConfig struct {
	ProviderURL     string
	ProviderTimeout time.Duration
	InboundWorkers  int
}

// TranslationConfig configures the translation stage.
type TranslationConfig struct {
	URL       string
	APIKey    string
	Timeout   time.Duration
	CacheSize int
	ValkeyURL string
	CacheTTL  time.Duration
}

// ProbeConfig configures the network status probe.
type ProbeConfig struct {
	URL     string
	Timeout time.Duration
}

// AlertConfig configures alert delivery.
type AlertConfig struct {
	WebhookURL string
}

// PubSubConfig configures Google Cloud Pub/Sub integration. An empty
// ProjectID disables it.
type PubSubConfig struct {
	ProjectID          string
	EventsSubscription string
	AlertsTopic        string
	InboundTopic       string
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRatio  float64
}

// FromEnv reads the configuration from environment variables. Unset
// variables take their documented defaults; malformed values are errors.
func FromEnv() (Config, error) {
	p := &parser{}

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.Workers = p.int("DISPATCH_WORKERS", dispatchCfg.Workers)
	dispatchCfg.MaxAttempts = p.int("DISPATCH_MAX_ATTEMPTS", dispatchCfg.MaxAttempts)
	dispatchCfg.BaseDelay = p.duration("DISPATCH_BASE_DELAY", dispatchCfg.BaseDelay)
	dispatchCfg.MaxDelay = p.duration("DISPATCH_MAX_DELAY", dispatchCfg.MaxDelay)
	dispatchCfg.Jitter = p.float("DISPATCH_JITTER", dispatchCfg.Jitter)
	dispatchCfg.DeliveryTimeout = p.duration("DISPATCH_DELIVERY_TIMEOUT", dispatchCfg.DeliveryTimeout)
	dispatchCfg.InboundLanguage = getEnvOrDefault("DISPATCH_INBOUND_LANGUAGE", "")

	queueCfg := queue.DefaultConfig()
	queueCfg.CapacityHigh = p.int("QUEUE_CAPACITY_HIGH", queueCfg.CapacityHigh)
	queueCfg.CapacityNormal = p.int("QUEUE_CAPACITY_NORMAL", queueCfg.CapacityNormal)
	queueCfg.CapacityLow = p.int("QUEUE_CAPACITY_LOW", queueCfg.CapacityLow)

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.Interval = p.duration("MONITOR_INTERVAL", monitorCfg.Interval)
	monitorCfg.OfflineThreshold = p.duration("MONITOR_OFFLINE_THRESHOLD", monitorCfg.OfflineThreshold)
	monitorCfg.BlockDebounce = p.int("MONITOR_BLOCK_DEBOUNCE", monitorCfg.BlockDebounce)
	monitorCfg.RecoveryDebounce = p.int("MONITOR_RECOVERY_DEBOUNCE", monitorCfg.RecoveryDebounce)
	monitorCfg.OverflowAlertCooldown = p.duration("MONITOR_OVERFLOW_ALERT_COOLDOWN", monitorCfg.OverflowAlertCooldown)

	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		p.errs = append(p.errs, err)
	}

	cfg := Config{
		Env:      getEnvOrDefault("APP_ENV", "development"),
		Port:     getEnvOrDefault("APP_PORT", "8080"),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),

		Database: dbCfg,
		Dispatch: dispatchCfg,
		Queue:    queueCfg,
		Monitor:  monitorCfg,

		Session: SessionConfig{
			ProviderURL:     getEnvOrDefault("SESSION_PROVIDER_URL", "http://localhost:9000"),
			ProviderTimeout: p.duration("SESSION_PROVIDER_TIMEOUT", 20*time.Second),
			InboundWorkers:  p.int("SESSION_INBOUND_WORKERS", 4),
		},
		Translation: TranslationConfig{
			URL:       getEnvOrDefault("TRANSLATION_URL", ""),
			APIKey:    getEnvOrDefault("TRANSLATION_API_KEY", ""),
			Timeout:   p.duration("TRANSLATION_TIMEOUT", 5*time.Second),
			CacheSize: p.int("TRANSLATION_CACHE_SIZE", 1024),
			ValkeyURL: getEnvOrDefault("VALKEY_ADDR", ""),
			CacheTTL:  p.duration("TRANSLATION_CACHE_TTL", 24*time.Hour),
		},
		Probe: ProbeConfig{
			URL:     getEnvOrDefault("PROBE_URL", "http://localhost:9100"),
			Timeout: p.duration("PROBE_TIMEOUT", 10*time.Second),
		},
		Alerts: AlertConfig{
			WebhookURL: getEnvOrDefault("ALERT_WEBHOOK_URL", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:          getEnvOrDefault("PUBSUB_PROJECT_ID", ""),
			EventsSubscription: getEnvOrDefault("PUBSUB_EVENTS_SUBSCRIPTION", "gateway-events"),
			AlertsTopic:        getEnvOrDefault("PUBSUB_ALERTS_TOPIC", ""),
			InboundTopic:       getEnvOrDefault("PUBSUB_INBOUND_TOPIC", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      p.bool("OTEL_ENABLED", false),
			OTLPEndpoint: getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRatio:  p.float("OTEL_SAMPLE_RATIO", 1),
		},
		JWTSigningKey: getEnvOrDefault("JWT_SIGNING_KEY", ""),
	}

	if err := p.err(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c Config) Validate() error {
	var errs []error
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("DISPATCH_WORKERS must be positive"))
	}
	if c.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_ATTEMPTS must be positive"))
	}
	if c.Dispatch.MaxDelay < c.Dispatch.BaseDelay {
		errs = append(errs, errors.New("DISPATCH_MAX_DELAY must not be below DISPATCH_BASE_DELAY"))
	}
	if c.Queue.CapacityHigh <= 0 || c.Queue.CapacityNormal <= 0 || c.Queue.CapacityLow <= 0 {
		errs = append(errs, errors.New("QUEUE_CAPACITY_* must be positive"))
	}
	if c.Monitor.BlockDebounce <= 0 || c.Monitor.RecoveryDebounce <= 0 {
		errs = append(errs, errors.New("MONITOR_*_DEBOUNCE must be positive"))
	}
	if c.Env == "production" && c.JWTSigningKey == "" {
		errs = append(errs, errors.New("JWT_SIGNING_KEY is required in production"))
	}
	return errors.Join(errs...)
}

type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
