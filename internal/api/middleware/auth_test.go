package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simgate/simgate/internal/api/middleware"
	"github.com/simgate/simgate/internal/auth"
)

func newTokens(now func() time.Time) *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Now:        now,
	})
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAuth_MissingAuthorizationHeader(t *testing.T) {
	handler := middleware.Auth(newTokens(nil))(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing authorization header")
	assert.Equal(t, `Bearer realm="simgate"`, rec.Header().Get("WWW-Authenticate"))
}

func TestAuth_InvalidAuthorizationHeader(t *testing.T) {
	handler := middleware.Auth(newTokens(nil))(http.HandlerFunc(okHandler))

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "token123"},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"just bearer", "Bearer"},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/devices", http.NoBody)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuth_ExpiredToken(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, _, err := newTokens(func() time.Time { return issuedAt }).IssueToken("ops@example.com", auth.RoleViewer, time.Minute)
	require.NoError(t, err)

	later := newTokens(func() time.Time { return issuedAt.Add(time.Hour) })
	handler := middleware.Auth(later)(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "access token has expired")
}

func TestAuth_ValidTokenSetsOperator(t *testing.T) {
	tokens := newTokens(nil)
	token, _, err := tokens.IssueToken("ops@example.com", auth.RoleOperator, time.Hour)
	require.NoError(t, err)

	var got *middleware.Operator
	handler := middleware.Auth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = middleware.GetOperator(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", http.NoBody)
	req.Header.Set("Authorization", "bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "ops@example.com", got.Subject)
	assert.Equal(t, auth.RoleOperator, got.Role)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		operator *middleware.Operator
		want     auth.Role
		status   int
	}{
		{"anonymous", nil, auth.RoleViewer, http.StatusUnauthorized},
		{"viewer reads", &middleware.Operator{Subject: "v", Role: auth.RoleViewer}, auth.RoleViewer, http.StatusOK},
		{"viewer writes", &middleware.Operator{Subject: "v", Role: auth.RoleViewer}, auth.RoleOperator, http.StatusForbidden},
		{"operator reads", &middleware.Operator{Subject: "o", Role: auth.RoleOperator}, auth.RoleViewer, http.StatusOK},
		{"operator writes", &middleware.Operator{Subject: "o", Role: auth.RoleOperator}, auth.RoleOperator, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := middleware.RequireRole(tt.want)(http.HandlerFunc(okHandler))

			req := httptest.NewRequest(http.MethodPut, "/v1/devices/d1", http.NoBody)
			if tt.operator != nil {
				req = req.WithContext(middleware.WithOperator(req.Context(), tt.operator))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestGetOperator_MissingReturnsNil(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Nil(t, middleware.GetOperator(req.Context()))
}
