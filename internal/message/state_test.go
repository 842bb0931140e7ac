package message_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simgate/simgate/internal/message"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to message.State
		allowed  bool
	}{
		{message.StateQueued, message.StateTranslating, true},
		{message.StateTranslating, message.StateDispatching, true},
		{message.StateDispatching, message.StateDelivered, true},
		{message.StateDispatching, message.StateFailed, true},
		{message.StateFailed, message.StateQueued, true},
		{message.StateFailed, message.StateDeadLettered, true},
		{message.StateQueued, message.StateDeadLettered, true},
		{message.StateQueued, message.StateDelivered, false},
		{message.StateDelivered, message.StateQueued, false},
		{message.StateDeadLettered, message.StateQueued, false},
		{message.StateDeadLettered, message.StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, message.CanTransition(tt.from, tt.to))
		})
	}
}

func TestMessage_TerminalStatesAreFinal(t *testing.T) {
	now := time.Now()
	m := &message.Message{State: message.StateDelivered}
	err := m.Transition(message.StateQueued, now)
	assert.ErrorIs(t, err, message.ErrInvalidTransition)
	assert.Equal(t, message.StateDelivered, m.State)
}

func TestMessage_Fail(t *testing.T) {
	now := time.Now()

	t.Run("retryable failure requeues", func(t *testing.T) {
		m := &message.Message{State: message.StateDispatching, AttemptCount: 1}
		state, err := m.Fail(message.ReasonNone, 3, now)
		require.NoError(t, err)
		assert.Equal(t, message.StateQueued, state)
		assert.Equal(t, message.ReasonNone, m.Reason)
	})

	t.Run("attempt ceiling dead-letters", func(t *testing.T) {
		m := &message.Message{State: message.StateDispatching, AttemptCount: 3}
		state, err := m.Fail(message.ReasonNone, 3, now)
		require.NoError(t, err)
		assert.Equal(t, message.StateDeadLettered, state)
		assert.Equal(t, message.ReasonAttemptsExhausted, m.Reason)
	})

	t.Run("sim blocked is never retried", func(t *testing.T) {
		m := &message.Message{State: message.StateDispatching, AttemptCount: 1}
		state, err := m.Fail(message.ReasonSimBlocked, 5, now)
		require.NoError(t, err)
		assert.Equal(t, message.StateDeadLettered, state)
		assert.Equal(t, message.ReasonSimBlocked, m.Reason)
	})

	t.Run("queued message can be tagged", func(t *testing.T) {
		m := &message.Message{State: message.StateQueued}
		state, err := m.Fail(message.ReasonSimBlocked, 5, now)
		require.NoError(t, err)
		assert.Equal(t, message.StateDeadLettered, state)
	})
}

func TestParsePriority(t *testing.T) {
	p, ok := message.ParsePriority("HIGH")
	assert.True(t, ok)
	assert.Equal(t, message.PriorityHigh, p)

	p, ok = message.ParsePriority("")
	assert.True(t, ok)
	assert.Equal(t, message.PriorityNormal, p)

	_, ok = message.ParsePriority("urgent")
	assert.False(t, ok)
}

func TestInMemoryArchive_ListByStates(t *testing.T) {
	ctx := context.Background()
	archive := message.NewInMemoryArchive()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	msgs := []*message.Message{
		{ID: "m3", DeviceID: "d1", State: message.StateDeadLettered, CreatedAt: base.Add(3 * time.Second)},
		{ID: "m1", DeviceID: "d1", State: message.StateDispatching, CreatedAt: base.Add(1 * time.Second)},
		{ID: "m2", DeviceID: "d2", State: message.StateQueued, CreatedAt: base.Add(2 * time.Second)},
		{ID: "m4", DeviceID: "d1", State: message.StateDelivered, CreatedAt: base.Add(4 * time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, archive.Save(ctx, m))
	}

	active, err := archive.ListByStates(ctx, []message.State{message.StateQueued, message.StateDispatching}, message.ListOptions{})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "m1", active[0].ID)
	assert.Equal(t, "m2", active[1].ID)

	dead, err := archive.ListByStates(ctx, []message.State{message.StateDeadLettered}, message.ListOptions{DeviceID: "d1"})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m3", dead[0].ID)

	_, err = archive.Get(ctx, "missing")
	assert.ErrorIs(t, err, message.ErrMessageNotFound)
}
