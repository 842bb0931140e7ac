// Package message defines gateway messages, their lifecycle state machine and
// the archive that persists them.
package message

import (
	"errors"
	"time"
)

// Message errors.
var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Direction tells whether a message travels to or from a device.
type Direction string

const (
	Inbound  Direction = "INBOUND"
	Outbound Direction = "OUTBOUND"
)

// Priority orders messages within a device lane. Lower values are served first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Priorities lists all tiers from highest to lowest.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority converts a tier name into a Priority. An empty name means normal.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "HIGH", "high":
		return PriorityHigh, true
	case "NORMAL", "normal", "":
		return PriorityNormal, true
	case "LOW", "low":
		return PriorityLow, true
	default:
		return PriorityNormal, false
	}
}

// Reason explains why a message left the happy path.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonAttemptsExhausted Reason = "ATTEMPTS_EXHAUSTED"
	ReasonSimBlocked        Reason = "SIM_BLOCKED"
	ReasonPurged            Reason = "PURGED"
)

// Payload is the message body with its language hints.
type Payload struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

// NeedsTranslation reports whether the payload asks for a language other than its source.
// An empty source means the language is unknown and must be detected.
func (p Payload) NeedsTranslation() bool {
	return p.TargetLanguage != "" && p.TargetLanguage != p.SourceLanguage
}

// Result is the outcome of a single delivery attempt.
type Result string

const (
	ResultAcked     Result = "ACKED"
	ResultNacked    Result = "NACKED"
	ResultTimeout   Result = "TIMEOUT"
	ResultCancelled Result = "CANCELLED"
	ResultError     Result = "ERROR"
)

// Attempt records one delivery attempt.
type Attempt struct {
	Number int       `json:"number"`
	At     time.Time `json:"at"`
	Result Result    `json:"result"`
	Error  string    `json:"error,omitempty"`
}

// Message is a unit of traffic owned by the dispatcher.
type Message struct {
	ID                string
	DeviceID          string
	Direction         Direction
	Priority          Priority
	Payload           Payload
	TranslatedPayload *string
	Downgraded        bool
	State             State
	Reason            Reason
	AttemptCount      int
	Attempts          []Attempt
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastAttemptAt     *time.Time
	NextAttemptAt     *time.Time
}

// DeliveryText returns the translated text when present, otherwise the original text.
func (m *Message) DeliveryText() string {
	if m.TranslatedPayload != nil {
		return *m.TranslatedPayload
	}
	return m.Payload.Text
}

// RecordAttempt appends an attempt to the history.
func (m *Message) RecordAttempt(at time.Time, result Result, err error) {
	a := Attempt{Number: m.AttemptCount, At: at, Result: result}
	if err != nil {
		a.Error = err.Error()
	}
	m.Attempts = append(m.Attempts, a)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.TranslatedPayload != nil {
		v := *m.TranslatedPayload
		c.TranslatedPayload = &v
	}
	if m.LastAttemptAt != nil {
		v := *m.LastAttemptAt
		c.LastAttemptAt = &v
	}
	if m.NextAttemptAt != nil {
		v := *m.NextAttemptAt
		c.NextAttemptAt = &v
	}
	c.Attempts = append([]Attempt(nil), m.Attempts...)
	return &c
}
