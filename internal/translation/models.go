// Package translation converts message payloads into the recipient's language
// before delivery, with a bounded timeout and an LRU cache.
package translation

import (
	"context"
	"errors"
)

// Translation errors.
var (
	// ErrUnsupportedLanguage is returned by providers for language pairs they
	// cannot handle. It is never retried.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrCacheMiss is returned by a RemoteCache when the key is absent.
	ErrCacheMiss = errors.New("cache miss")
)

// Provider is an external translation service.
type Provider interface {
	// Translate returns text translated into targetLang. sourceLang may be
	// empty to let the provider detect it.
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)

	// DetectLanguage returns the language code of text.
	DetectLanguage(ctx context.Context, text string) (string, error)
}

// RemoteCache is an optional cache shared between gateway instances.
type RemoteCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Result is the outcome of Stage.Translate.
type Result struct {
	// Text is the payload to deliver. It is the original text when
	// Downgraded is true or no translation was needed.
	Text string

	// Translated is true if Text differs from the source because of translation.
	Translated bool

	// Downgraded is true if translation was needed but failed.
	Downgraded bool

	// FromCache is true if the translation was served from a cache.
	FromCache bool

	// Err is the translation failure when Downgraded is true.
	Err error
}
