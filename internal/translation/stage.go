package translation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/message"
	"github.com/simgate/simgate/internal/telemetry"
)

// Outcome labels reported to metrics.
const (
	outcomeSkipped    = "skipped"
	outcomeCacheHit   = "cache_hit"
	outcomeTranslated = "translated"
	outcomeDowngraded = "downgraded"
)

// Config holds configuration for the translation stage.
type Config struct {
	// Provider performs translation and language detection. Required.
	Provider Provider

	// Remote is an optional second-level cache shared across instances.
	Remote RemoteCache

	// Timeout bounds each provider call.
	// Default: 5 seconds
	Timeout time.Duration

	// RetryDelay is the pause before the single retry.
	// Default: 100 milliseconds
	RetryDelay time.Duration

	// CacheSize is the number of translations kept in memory.
	// Default: 1024
	CacheSize int

	Logger  zerolog.Logger
	Metrics *telemetry.GatewayMetrics
}

// Stage translates payloads with a bounded timeout. A failed translation
// never fails the message; the original text is delivered instead.
type Stage struct {
	provider   Provider
	remote     RemoteCache
	timeout    time.Duration
	retryDelay time.Duration
	cache      *lru.Cache[string, string]
	logger     zerolog.Logger
	metrics    *telemetry.GatewayMetrics
}

// NewStage creates a translation stage.
func NewStage(cfg Config) (*Stage, error) {
	if cfg.Provider == nil {
		return nil, errors.New("translation provider is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}

	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Stage{
		provider:   cfg.Provider,
		remote:     cfg.Remote,
		timeout:    cfg.Timeout,
		retryDelay: cfg.RetryDelay,
		cache:      cache,
		logger:     cfg.Logger.With().Str("component", "translation").Logger(),
		metrics:    cfg.Metrics,
	}, nil
}

// CacheKey returns the cache key for text translated into targetLang.
func CacheKey(text, targetLang string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]) + ":" + strings.ToLower(targetLang)
}

// Translate returns the text to deliver for p. It returns the original text
// untouched when no translation is needed, and flags Downgraded when the
// provider fails.
func (s *Stage) Translate(ctx context.Context, p message.Payload) Result {
	if !p.NeedsTranslation() {
		s.metrics.RecordTranslation(ctx, outcomeSkipped)
		return Result{Text: p.Text}
	}

	source := p.SourceLanguage
	if source == "" {
		if detected, err := s.detect(ctx, p.Text); err == nil {
			source = detected
		} else {
			s.logger.Debug().Err(err).Msg("language detection failed, letting provider detect")
		}
		if source != "" && strings.EqualFold(source, p.TargetLanguage) {
			s.metrics.RecordTranslation(ctx, outcomeSkipped)
			return Result{Text: p.Text}
		}
	}

	key := CacheKey(p.Text, p.TargetLanguage)
	if text, ok := s.cache.Get(key); ok {
		s.metrics.RecordTranslation(ctx, outcomeCacheHit)
		return Result{Text: text, Translated: true, FromCache: true}
	}
	if s.remote != nil {
		text, err := s.remote.Get(ctx, key)
		switch {
		case err == nil:
			s.cache.Add(key, text)
			s.metrics.RecordTranslation(ctx, outcomeCacheHit)
			return Result{Text: text, Translated: true, FromCache: true}
		case !errors.Is(err, ErrCacheMiss):
			s.logger.Warn().Err(err).Msg("remote translation cache read failed")
		}
	}

	text, err := s.translate(ctx, p.Text, source, p.TargetLanguage)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("source_lang", source).
			Str("target_lang", p.TargetLanguage).
			Msg("translation failed, delivering original text")
		s.metrics.RecordTranslation(ctx, outcomeDowngraded)
		return Result{Text: p.Text, Downgraded: true, Err: err}
	}

	s.cache.Add(key, text)
	if s.remote != nil {
		if err := s.remote.Set(ctx, key, text); err != nil {
			s.logger.Warn().Err(err).Msg("remote translation cache write failed")
		}
	}
	s.metrics.RecordTranslation(ctx, outcomeTranslated)
	return Result{Text: text, Translated: true}
}

// translate calls the provider at most twice. Unsupported language pairs and
// a cancelled caller are not retried.
func (s *Stage) translate(ctx context.Context, text, source, target string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		out, err := s.provider.Translate(callCtx, text, source, target)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if errors.Is(err, ErrUnsupportedLanguage) || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (s *Stage) detect(ctx context.Context, text string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.provider.DetectLanguage(callCtx, text)
}

// Len returns the number of cached translations.
func (s *Stage) Len() int {
	return s.cache.Len()
}
