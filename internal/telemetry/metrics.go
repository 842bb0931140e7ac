package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/simgate/simgate/internal/telemetry"

// GatewayMetrics holds the instruments for the dispatch engine. A nil
// *GatewayMetrics is valid and records nothing.
type GatewayMetrics struct {
	admitted         metric.Int64Counter
	rejected         metric.Int64Counter
	queueDepth       metric.Int64UpDownCounter
	attempts         metric.Int64Counter
	attemptDuration  metric.Float64Histogram
	deadLetters      metric.Int64Counter
	finished         metric.Int64Counter
	translations     metric.Int64Counter
	simStatusChanges metric.Int64Counter
	alerts           metric.Int64Counter
}

// NewGatewayMetrics creates the dispatch engine instruments on the global meter provider.
func NewGatewayMetrics() (*GatewayMetrics, error) {
	meter := otel.Meter(meterName)
	m := &GatewayMetrics{}
	var err error

	if m.admitted, err = meter.Int64Counter(
		"gateway.messages.admitted",
		metric.WithDescription("Messages admitted to the queue"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if m.rejected, err = meter.Int64Counter(
		"gateway.messages.rejected",
		metric.WithDescription("Messages rejected because their priority tier was full"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64UpDownCounter(
		"gateway.queue.depth",
		metric.WithDescription("Admitted messages not yet in a terminal state"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if m.attempts, err = meter.Int64Counter(
		"gateway.delivery.attempts",
		metric.WithDescription("Delivery attempts by result"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.attemptDuration, err = meter.Float64Histogram(
		"gateway.delivery.duration",
		metric.WithDescription("Duration of delivery attempts in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.deadLetters, err = meter.Int64Counter(
		"gateway.messages.dead_lettered",
		metric.WithDescription("Messages dead-lettered by reason"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if m.finished, err = meter.Int64Counter(
		"gateway.messages.finished",
		metric.WithDescription("Messages reaching a terminal state"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if m.translations, err = meter.Int64Counter(
		"gateway.translation.total",
		metric.WithDescription("Translation stage outcomes"),
		metric.WithUnit("{translation}"),
	); err != nil {
		return nil, err
	}

	if m.simStatusChanges, err = meter.Int64Counter(
		"gateway.sim.status_changes",
		metric.WithDescription("SIM status transitions detected by the monitor"),
		metric.WithUnit("{change}"),
	); err != nil {
		return nil, err
	}

	if m.alerts, err = meter.Int64Counter(
		"gateway.alerts.raised",
		metric.WithDescription("Alerts raised by kind"),
		metric.WithUnit("{alert}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAdmitted records an admitted message.
func (m *GatewayMetrics) RecordAdmitted(ctx context.Context, priority string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("priority", priority))
	m.admitted.Add(ctx, 1, attrs)
	m.queueDepth.Add(ctx, 1, attrs)
}

// RecordRejected records a message refused at admission.
func (m *GatewayMetrics) RecordRejected(ctx context.Context, priority string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("priority", priority)))
}

// RecordFinished records a message leaving the queue in a terminal state.
func (m *GatewayMetrics) RecordFinished(ctx context.Context, priority, state string) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, -1, metric.WithAttributes(attribute.String("priority", priority)))
	m.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", priority),
		attribute.String("state", state),
	))
}

// RecordAttempt records a delivery attempt.
func (m *GatewayMetrics) RecordAttempt(ctx context.Context, result string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.attempts.Add(ctx, 1, attrs)
	m.attemptDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDeadLetter records a dead-lettered message.
func (m *GatewayMetrics) RecordDeadLetter(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranslation records a translation stage outcome.
func (m *GatewayMetrics) RecordTranslation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.translations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSimStatusChange records a SIM status transition.
func (m *GatewayMetrics) RecordSimStatusChange(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.simStatusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordAlert records a raised alert.
func (m *GatewayMetrics) RecordAlert(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.alerts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
