package message

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a message.
type State string

const (
	StateQueued       State = "QUEUED"
	StateTranslating  State = "TRANSLATING"
	StateDispatching  State = "DISPATCHING"
	StateDelivered    State = "DELIVERED"
	StateFailed       State = "FAILED"
	StateDeadLettered State = "DEAD_LETTERED"
)

// transitions lists the allowed edges of the state machine.
var transitions = map[State][]State{
	StateQueued:       {StateTranslating, StateFailed, StateDeadLettered},
	StateTranslating:  {StateDispatching, StateFailed},
	StateDispatching:  {StateDelivered, StateFailed},
	StateFailed:       {StateQueued, StateDeadLettered},
	StateDelivered:    nil,
	StateDeadLettered: nil,
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateDelivered || s == StateDeadLettered
}

// IsActive reports whether a message in s still belongs to the queue.
func (s State) IsActive() bool {
	_, known := transitions[s]
	return known && !s.IsTerminal()
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the message to state to, or returns ErrInvalidTransition.
func (m *Message) Transition(to State, at time.Time) error {
	if !CanTransition(m.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, to)
	}
	m.State = to
	m.UpdatedAt = at
	return nil
}

// Fail moves the message into Failed and then either back to Queued or, when
// reason is terminal or attempts are exhausted, into DeadLettered. It returns
// the resulting state.
func (m *Message) Fail(reason Reason, maxAttempts int, at time.Time) (State, error) {
	if m.State != StateFailed {
		if err := m.Transition(StateFailed, at); err != nil {
			return m.State, err
		}
	}

	if reason == ReasonNone && m.AttemptCount >= maxAttempts {
		reason = ReasonAttemptsExhausted
	}
	if reason != ReasonNone {
		m.Reason = reason
		m.NextAttemptAt = nil
		return StateDeadLettered, m.Transition(StateDeadLettered, at)
	}
	return StateQueued, m.Transition(StateQueued, at)
}
