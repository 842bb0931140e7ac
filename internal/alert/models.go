// Package alert defines operator alerts and the sinks that deliver them.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what an alert is about.
type Kind string

const (
	KindSimBlocked      Kind = "SIM_BLOCKED"
	KindSimRecovered    Kind = "SIM_RECOVERED"
	KindDeviceOffline   Kind = "DEVICE_OFFLINE"
	KindDeviceRecovered Kind = "DEVICE_RECOVERED"
	KindQueueOverflow   Kind = "QUEUE_OVERFLOW"
)

// Priority is the urgency of an alert.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// DefaultPriority returns the priority normally used for kind.
func DefaultPriority(kind Kind) Priority {
	switch kind {
	case KindSimBlocked, KindQueueOverflow:
		return PriorityHigh
	case KindDeviceOffline:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Alert is immutable once raised.
type Alert struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SubjectID string    `json:"subject_id"`
	RaisedAt  time.Time `json:"raised_at"`
	Priority  Priority  `json:"priority"`
	Detail    string    `json:"detail,omitempty"`
}

// New builds an alert with a fresh ID and the default priority for kind.
func New(kind Kind, subjectID, detail string, at time.Time) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: subjectID,
		RaisedAt:  at.UTC(),
		Priority:  DefaultPriority(kind),
		Detail:    detail,
	}
}

// Sink delivers alerts to an external alerting collaborator.
type Sink interface {
	Raise(ctx context.Context, a Alert) error
}
