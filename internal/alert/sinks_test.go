package alert_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simgate/simgate/internal/alert"
)

type failingSink struct{}

func (failingSink) Raise(context.Context, alert.Alert) error {
	return errors.New("sink down")
}

func TestNew(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("EAT", 3*3600))
	a := alert.New(alert.KindSimBlocked, "sim-1", "probe reported blocked", at)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, alert.PriorityHigh, a.Priority)
	assert.Equal(t, time.UTC, a.RaisedAt.Location())
	assert.True(t, a.RaisedAt.Equal(at))

	assert.Equal(t, alert.PriorityNormal, alert.DefaultPriority(alert.KindDeviceOffline))
	assert.Equal(t, alert.PriorityLow, alert.DefaultPriority(alert.KindSimRecovered))
}

func TestMultiSink(t *testing.T) {
	ctx := context.Background()
	memory := alert.NewMemorySink()
	sink := alert.MultiSink{failingSink{}, alert.NewLogSink(zerolog.Nop()), memory}

	err := sink.Raise(ctx, alert.New(alert.KindDeviceOffline, "d1", "", time.Now()))
	assert.Error(t, err)
	assert.Equal(t, 1, memory.Count(alert.KindDeviceOffline, "d1"))
	assert.Len(t, memory.Alerts(), 1)
}

func TestWebhookSink(t *testing.T) {
	var got alert.Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink := alert.NewWebhookSink(server.URL, nil)
	a := alert.New(alert.KindQueueOverflow, "HIGH", "tier full", time.Now())

	require.NoError(t, sink.Raise(context.Background(), a))
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, alert.KindQueueOverflow, got.Kind)
}
