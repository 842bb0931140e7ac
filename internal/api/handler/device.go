package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/api/middleware"
	"github.com/simgate/simgate/internal/api/models"
	"github.com/simgate/simgate/internal/api/request"
	"github.com/simgate/simgate/internal/api/response"
	"github.com/simgate/simgate/internal/device"
)

// Registry is the subset of the device registry used by the API.
type Registry interface {
	UpsertDevice(ctx context.Context, id string, attrs device.DeviceAttrs) (*device.Device, bool, error)
	GetDeviceView(ctx context.Context, id string) (*device.DeviceView, error)
	ListDevices(ctx context.Context) ([]*device.Device, error)
	SetImei(ctx context.Context, id, imei string) error
	ImeiHistory(ctx context.Context, id string) ([]device.ImeiAudit, error)
	LinkSim(ctx context.Context, deviceID, simID string) error
	UnlinkSim(ctx context.Context, deviceID string) error
	ReplaceSim(ctx context.Context, deviceID, newSimID string) error
	UpsertSIM(ctx context.Context, id string, attrs device.SimAttrs) (*device.SIM, bool, error)
	ListSIMs(ctx context.Context) ([]*device.SIM, error)
}

// ConnectionChecker reports live session state.
type ConnectionChecker interface {
	IsConnected(deviceID string) bool
}

// DeviceHandler handles device and SIM endpoints.
type DeviceHandler struct {
	registry  Registry
	sessions  ConnectionChecker
	validator *request.Validator
	logger    zerolog.Logger
}

// NewDeviceHandler creates a new DeviceHandler. sessions may be nil.
func NewDeviceHandler(registry Registry, sessions ConnectionChecker, validator *request.Validator, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{
		registry:  registry,
		sessions:  sessions,
		validator: validator,
		logger:    logger.With().Str("component", "device_api").Logger(),
	}
}

// UpsertDevice handles PUT /v1/devices/{deviceId}.
func (h *DeviceHandler) UpsertDevice(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertDeviceRequest
	if err := h.validator.Decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	d, created, err := h.registry.UpsertDevice(r.Context(), chi.URLParam(r, "deviceId"), device.DeviceAttrs{
		CountryCode: req.CountryCode,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.audit(r, "device upserted", d.ID)

	if created {
		response.Created(w, r, "/v1/devices/"+d.ID, h.view(d, nil))
		return
	}
	response.JSON(w, r, http.StatusOK, h.view(d, nil))
}

// GetDevice handles GET /v1/devices/{deviceId}.
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	v, err := h.registry.GetDeviceView(r.Context(), chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.JSON(w, r, http.StatusOK, h.view(&v.Device, v.SIM))
}

// ListDevices handles GET /v1/devices.
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.ListDevices(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := models.DeviceList{Items: make([]models.Device, 0, len(devices))}
	for _, d := range devices {
		out.Items = append(out.Items, h.view(d, nil))
	}
	out.Meta.Count = len(out.Items)
	response.JSON(w, r, http.StatusOK, out)
}

// SetImei handles PUT /v1/devices/{deviceId}/imei.
func (h *DeviceHandler) SetImei(w http.ResponseWriter, r *http.Request) {
	var req models.SetImeiRequest
	if err := h.validator.Decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id := chi.URLParam(r, "deviceId")
	if err := h.registry.SetImei(r.Context(), id, req.IMEI); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.audit(r, "device imei changed", id)
	response.NoContent(w, r)
}

// ImeiHistory handles GET /v1/devices/{deviceId}/imei-history.
func (h *DeviceHandler) ImeiHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceId")
	entries, err := h.registry.ImeiHistory(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := models.ImeiHistory{DeviceID: id, Items: make([]models.ImeiChange, 0, len(entries))}
	for _, e := range entries {
		out.Items = append(out.Items, models.ImeiChange{
			OldIMEI:   e.OldIMEI,
			NewIMEI:   e.NewIMEI,
			ChangedAt: models.Timestamp(e.ChangedAt),
		})
	}
	response.JSON(w, r, http.StatusOK, out)
}

// LinkSim handles PUT /v1/devices/{deviceId}/sim.
func (h *DeviceHandler) LinkSim(w http.ResponseWriter, r *http.Request) {
	h.simChange(w, r, "sim linked", h.registry.LinkSim)
}

// ReplaceSim handles POST /v1/devices/{deviceId}/sim:replace.
func (h *DeviceHandler) ReplaceSim(w http.ResponseWriter, r *http.Request) {
	h.simChange(w, r, "sim replaced", h.registry.ReplaceSim)
}

func (h *DeviceHandler) simChange(w http.ResponseWriter, r *http.Request, event string, apply func(context.Context, string, string) error) {
	var req models.LinkSimRequest
	if err := h.validator.Decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id := chi.URLParam(r, "deviceId")
	if err := apply(r.Context(), id, req.SimID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.audit(r, event, id)
	h.GetDevice(w, r)
}

// UnlinkSim handles DELETE /v1/devices/{deviceId}/sim.
func (h *DeviceHandler) UnlinkSim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceId")
	if err := h.registry.UnlinkSim(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.audit(r, "sim unlinked", id)
	response.NoContent(w, r)
}

// UpsertSIM handles PUT /v1/sims/{simId}.
func (h *DeviceHandler) UpsertSIM(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertSimRequest
	if err := h.validator.Decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	s, created, err := h.registry.UpsertSIM(r.Context(), chi.URLParam(r, "simId"), device.SimAttrs{
		CountryCode: req.CountryCode,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if created {
		response.Created(w, r, "/v1/sims/"+s.ID, toSIM(s))
		return
	}
	response.JSON(w, r, http.StatusOK, toSIM(s))
}

// ListSIMs handles GET /v1/sims.
func (h *DeviceHandler) ListSIMs(w http.ResponseWriter, r *http.Request) {
	sims, err := h.registry.ListSIMs(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := models.SIMList{Items: make([]models.SIM, 0, len(sims))}
	for _, s := range sims {
		out.Items = append(out.Items, toSIM(s))
	}
	out.Meta.Count = len(out.Items)
	response.JSON(w, r, http.StatusOK, out)
}

func (h *DeviceHandler) view(d *device.Device, sim *device.SIM) models.Device {
	out := toDevice(d)
	if h.sessions != nil {
		out.Connected = h.sessions.IsConnected(d.ID)
	}
	if sim != nil {
		s := toSIM(sim)
		out.SIM = &s
	}
	return out
}

func (h *DeviceHandler) audit(r *http.Request, event, deviceID string) {
	e := h.logger.Info().Str("device_id", deviceID)
	if op := middleware.GetOperator(r.Context()); op != nil {
		e = e.Str("operator", op.Subject)
	}
	e.Msg(event)
}
