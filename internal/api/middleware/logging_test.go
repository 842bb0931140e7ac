package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simgate/simgate/internal/api/middleware"
	"github.com/simgate/simgate/internal/auth"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestLogger_LogsRouteAndStatus(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger(log))
	r.Get("/v1/devices/{deviceId}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/devices/d-42", http.NoBody)
	req.Header.Set("X-Request-Id", "req-abc")
	r.ServeHTTP(httptest.NewRecorder(), req)

	entry := logLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/v1/devices/d-42", entry["path"])
	assert.Equal(t, "/v1/devices/{deviceId}", entry["route"])
	assert.Equal(t, "req-abc", entry["request_id"])
	assert.EqualValues(t, 200, entry["status"])
	assert.EqualValues(t, 2, entry["bytes"])
	assert.Equal(t, "request completed", entry["message"])
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusNoContent, "info"},
		{http.StatusNotFound, "warn"},
		{http.StatusTooManyRequests, "warn"},
		{http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			handler := middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/messages", http.NoBody))

			assert.Equal(t, tt.level, logLine(t, &buf)["level"])
		})
	}
}

func TestLogger_IncludesOperator(t *testing.T) {
	var buf bytes.Buffer
	handler := middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/v1/sims", http.NoBody)
	req = req.WithContext(middleware.WithOperator(req.Context(), &middleware.Operator{Subject: "ops@example.com", Role: auth.RoleViewer}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "ops@example.com", logLine(t, &buf)["operator"])
}

func TestLogger_IncludesTraceID(t *testing.T) {
	sr, cleanup := setupTestTracer()
	defer cleanup()

	var buf bytes.Buffer
	handler := middleware.Tracing("simgate-test")(middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(okHandler)))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	entry := logLine(t, &buf)
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, spans[0].SpanContext().SpanID().String(), entry["span_id"])
}
