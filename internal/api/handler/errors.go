package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/api/middleware"
	"github.com/simgate/simgate/internal/api/request"
	"github.com/simgate/simgate/internal/api/response"
	"github.com/simgate/simgate/internal/device"
	"github.com/simgate/simgate/internal/dispatch"
	"github.com/simgate/simgate/internal/message"
	"github.com/simgate/simgate/internal/queue"
)

// queueFullRetryAfter is the Retry-After hint sent with admission rejections.
const queueFullRetryAfter = 30 * time.Second

// writeError maps a domain error onto a problem response. Unrecognised
// errors are logged and reported as 503 since they originate in storage or
// a downstream collaborator.
func writeError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	var verr *request.ValidationError
	switch {
	case errors.As(err, &verr):
		response.BadRequest(w, r, "request validation failed", verr.Fields)
	case errors.Is(err, device.ErrInvalidImeiFormat),
		errors.Is(err, device.ErrInvalidDeviceID),
		errors.Is(err, dispatch.ErrInvalidMessage):
		response.BadRequest(w, r, err.Error(), nil)
	case errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, dispatch.ErrUnknownDevice):
		response.NotFound(w, r, "device not found")
	case errors.Is(err, device.ErrSimNotFound):
		response.NotFound(w, r, "sim not found")
	case errors.Is(err, message.ErrMessageNotFound):
		response.NotFound(w, r, "message not found")
	case errors.Is(err, device.ErrSimAlreadyLinked),
		errors.Is(err, device.ErrSimReplaced):
		response.Conflict(w, r, err.Error())
	case errors.Is(err, queue.ErrQueueOverflow):
		response.QueueFull(w, r, "priority tier is at capacity", queueFullRetryAfter)
	default:
		log.Error().
			Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		response.ServiceUnavailable(w, r, "a backing service is unavailable, retry later")
	}
}
