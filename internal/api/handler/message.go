package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/api/middleware"
	"github.com/simgate/simgate/internal/api/models"
	"github.com/simgate/simgate/internal/api/request"
	"github.com/simgate/simgate/internal/api/response"
	"github.com/simgate/simgate/internal/dispatch"
	"github.com/simgate/simgate/internal/message"
)

// Default and maximum page sizes for dead-letter listings.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Dispatcher is the subset of the dispatcher used by the API.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*message.Message, error)
	Get(ctx context.Context, id string) (*message.Message, error)
	ListDeadLettered(ctx context.Context, deviceID string, limit int) ([]*message.Message, error)
	Purge(ctx context.Context, deviceID string) (int, error)
}

// MessageHandler handles message submission, lookup and queue purges.
type MessageHandler struct {
	dispatcher Dispatcher
	validator  *request.Validator
	logger     zerolog.Logger
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(dispatcher Dispatcher, validator *request.Validator, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		dispatcher: dispatcher,
		validator:  validator,
		logger:     logger.With().Str("component", "message_api").Logger(),
	}
}

// Submit handles POST /v1/messages. The message is accepted for delivery;
// its progress is observable at the returned Location.
func (h *MessageHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitMessageRequest
	if err := h.validator.Decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	priority, _ := message.ParsePriority(req.Priority)

	m, err := h.dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		DeviceID:       req.DeviceID,
		Direction:      message.Outbound,
		Priority:       priority,
		Text:           req.Text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.Accepted(w, r, "/v1/messages/"+m.ID, toMessage(m))
}

// Get handles GET /v1/messages/{messageId}.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.dispatcher.Get(r.Context(), chi.URLParam(r, "messageId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.JSON(w, r, http.StatusOK, toMessage(m))
}

// ListDeadLetters handles GET /v1/messages/dead-letters?deviceId=&limit=.
func (h *MessageHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			response.BadRequest(w, r, "invalid query parameter", []models.FieldError{{
				Field:   "limit",
				Message: "limit must be between 1 and " + strconv.Itoa(maxListLimit),
				Code:    "range",
			}})
			return
		}
		limit = n
	}

	items, err := h.dispatcher.ListDeadLettered(r.Context(), r.URL.Query().Get("deviceId"), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := models.MessageList{Items: make([]models.Message, 0, len(items))}
	for _, m := range items {
		out.Items = append(out.Items, toMessage(m))
	}
	out.Meta = models.ListMeta{Count: len(out.Items), Limit: limit}
	response.JSON(w, r, http.StatusOK, out)
}

// Purge handles POST /v1/devices/{deviceId}/queue:purge.
func (h *MessageHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceId")
	n, err := h.dispatcher.Purge(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	e := h.logger.Warn().Str("device_id", id).Int("purged", n)
	if op := middleware.GetOperator(r.Context()); op != nil {
		e = e.Str("operator", op.Subject)
	}
	e.Msg("device queue purged")

	response.JSON(w, r, http.StatusOK, models.PurgeResult{DeviceID: id, Purged: n})
}
