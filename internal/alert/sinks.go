package alert

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// MemorySink keeps raised alerts in memory.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Raise records a.
func (s *MemorySink) Raise(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

// Alerts returns a copy of every alert raised so far.
func (s *MemorySink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// Count returns the number of alerts of kind raised for subjectID.
func (s *MemorySink) Count(kind Kind, subjectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.Kind == kind && a.SubjectID == subjectID {
			n++
		}
	}
	return n
}

// LogSink writes alerts to the log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs every alert at warn level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alerts").Logger()}
}

// Raise logs a.
func (s *LogSink) Raise(_ context.Context, a Alert) error {
	s.logger.Warn().
		Str("alert_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("subject_id", a.SubjectID).
		Str("priority", string(a.Priority)).
		Str("detail", a.Detail).
		Time("raised_at", a.RaisedAt).
		Msg("alert raised")
	return nil
}

// MultiSink fans an alert out to every sink. All sinks are tried; their
// errors are joined.
type MultiSink []Sink

// Raise delivers a to every sink.
func (m MultiSink) Raise(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
