package models_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simgate/simgate/internal/api/models"
)

func TestProblem_Builders(t *testing.T) {
	p := models.NewProblem(models.ProblemTypeValidation, "Validation error", http.StatusBadRequest, "req_1").
		WithDetail("request body is invalid").
		WithInstance("/v1/messages").
		WithErrors([]models.FieldError{{Field: "text", Message: "text is required", Code: "required"}})

	assert.Equal(t, models.ProblemTypeValidation, p.Type)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "req_1", p.TraceID)
	assert.Equal(t, "request body is invalid", p.Detail)
	assert.Equal(t, "/v1/messages", p.Instance)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "text", p.Errors[0].Field)
}

func TestProblem_Write(t *testing.T) {
	rec := httptest.NewRecorder()
	models.NewQueueFull("req_2", "HIGH tier is full").WithInstance("/v1/messages").Write(rec)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req_2", rec.Header().Get("X-Request-Id"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.ProblemTypeQueueFull, body["type"])
	assert.Equal(t, "Queue full", body["title"])
	assert.Equal(t, "HIGH tier is full", body["detail"])
	assert.Equal(t, "req_2", body["traceId"])
	assert.NotContains(t, body, "errors")
}

func TestProblem_Constructors(t *testing.T) {
	tests := []struct {
		name    string
		problem *models.Problem
		status  int
		typ     string
	}{
		{"bad request", models.NewBadRequest("r", "d", nil), http.StatusBadRequest, models.ProblemTypeValidation},
		{"unauthorized", models.NewUnauthorized("r", "d"), http.StatusUnauthorized, models.ProblemTypeUnauthorized},
		{"forbidden", models.NewForbidden("r", "d"), http.StatusForbidden, models.ProblemTypeForbidden},
		{"not found", models.NewNotFound("r", "d"), http.StatusNotFound, models.ProblemTypeNotFound},
		{"conflict", models.NewConflict("r", "d"), http.StatusConflict, models.ProblemTypeConflict},
		{"rate limited", models.NewTooManyRequests("r", "d"), http.StatusTooManyRequests, models.ProblemTypeTooManyRequests},
		{"queue full", models.NewQueueFull("r", "d"), http.StatusTooManyRequests, models.ProblemTypeQueueFull},
		{"internal", models.NewInternalError("r", "d"), http.StatusInternalServerError, models.ProblemTypeInternal},
		{"unavailable", models.NewServiceUnavailable("r", "d"), http.StatusServiceUnavailable, models.ProblemTypeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.problem.Status)
			assert.Equal(t, tt.typ, tt.problem.Type)
			assert.Equal(t, "d", tt.problem.Detail)
		})
	}
}
