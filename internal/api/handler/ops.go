// Package handler provides the HTTP handlers of the operator API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/api/models"
	"github.com/simgate/simgate/internal/api/response"
	"github.com/simgate/simgate/internal/dispatch"
	"github.com/simgate/simgate/internal/monitor"
	"github.com/simgate/simgate/internal/provider/resilience"
	"github.com/simgate/simgate/internal/session"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// StatsSource exposes dispatcher occupancy.
type StatsSource interface {
	Stats() dispatch.Stats
}

// SessionLister lists endpoint sessions.
type SessionLister interface {
	Sessions() []session.Info
}

// MonitorStatus reports the last monitor tick.
type MonitorStatus interface {
	Status() monitor.Status
}

// OpsConfig wires the ops handler.
type OpsConfig struct {
	Version   string
	BuildTime string
	Checks    map[string]ReadinessCheck
	Stats     StatsSource
	Sessions  SessionLister
	Monitor   MonitorStatus
	Providers *resilience.Registry
	Logger    zerolog.Logger
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg OpsConfig
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{cfg: cfg}
}

// HealthCheck handles GET /v1/ops/health.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]string{
			"version":   h.cfg.Version,
			"buildTime": h.cfg.BuildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. Each configured check runs
// with a short timeout; any failure makes the gateway unready.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := models.Health{
		Status:  models.HealthStatusOK,
		Time:    models.Timestamp(time.Now()),
		Details: map[string]string{},
	}
	for name, check := range h.cfg.Checks {
		if err := check(ctx); err != nil {
			h.cfg.Logger.Warn().Err(err).Str("check", name).Msg("readiness check failed")
			health.Status = models.HealthStatusFail
			health.Details[name] = err.Error()
			continue
		}
		health.Details[name] = "ok"
	}

	status := http.StatusOK
	if health.Status != models.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, health)
}

// SystemStatus handles GET /v1/ops/status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	status := models.SystemStatus{
		Status:    models.HealthStatusOK,
		Time:      models.Timestamp(time.Now()),
		Providers: []models.ProviderStatus{},
	}

	if h.cfg.Stats != nil {
		stats := h.cfg.Stats.Stats()
		status.Queue = models.QueueStatus{
			Admitted: byPriority(stats.Queue.Admitted),
			Capacity: byPriority(stats.Queue.Capacity),
			Lanes:    stats.Queue.Lanes,
			InFlight: stats.InFlight,
		}
	}

	if h.cfg.Sessions != nil {
		for _, info := range h.cfg.Sessions.Sessions() {
			switch info.State {
			case session.StateConnected:
				status.Sessions.Connected++
			case session.StateReconnecting:
				status.Sessions.Reconnecting++
			case session.StateLost:
				status.Sessions.Lost++
			}
		}
	}

	if h.cfg.Monitor != nil {
		ms := h.cfg.Monitor.Status()
		status.Monitor = &models.MonitorStatus{
			Ticks:          ms.Ticks,
			LastTickError:  ms.LastTickError,
			SimsChecked:    ms.SimsChecked,
			ProbeFailures:  ms.ProbeFailures,
			BlockedSims:    ms.BlockedSims,
			OfflineDevices: ms.OfflineDevices,
			AlertsRaised:   ms.AlertsRaised,
		}
		if !ms.LastTickAt.IsZero() {
			status.Monitor.LastTickAt = models.TimestampPtr(&ms.LastTickAt)
		}
		if ms.LastTickError != "" {
			status.Status = models.HealthStatusDegraded
		}
	}

	if h.cfg.Providers != nil {
		for _, ph := range h.cfg.Providers.All() {
			ps := models.ProviderStatus{
				Provider:      ph.Name,
				Status:        models.HealthStatusOK,
				LastSuccessAt: models.TimestampPtr(ph.LastSuccessAt),
				LastFailureAt: models.TimestampPtr(ph.LastFailureAt),
				Message:       ph.LastError,
				Trips:         ph.Trips,
			}
			switch {
			case ph.IsUnhealthy():
				ps.Status = models.HealthStatusFail
				status.Status = models.HealthStatusDegraded
			case ph.IsDegraded():
				ps.Status = models.HealthStatusDegraded
				status.Status = models.HealthStatusDegraded
			}
			status.Providers = append(status.Providers, ps)
		}
	}

	response.JSON(w, r, http.StatusOK, status)
}
