// Package api provides the operator HTTP API of the gateway.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/api/handler"
	"github.com/simgate/simgate/internal/api/middleware"
	"github.com/simgate/simgate/internal/api/request"
	"github.com/simgate/simgate/internal/auth"
	"github.com/simgate/simgate/internal/provider/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	ServiceName string
	Logger      zerolog.Logger
	Metrics     *middleware.Metrics
	RequireTLS  bool

	Tokens     middleware.TokenValidator
	Registry   handler.Registry
	Sessions   handler.ConnectionChecker
	Dispatcher handler.Dispatcher

	// Status sources for /v1/ops/status; any may be nil.
	Stats     handler.StatsSource
	Lister    handler.SessionLister
	Monitor   handler.MonitorStatus
	Providers *resilience.Registry
	Checks    map[string]handler.ReadinessCheck
}

// NewRouter creates a chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "simgate"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)
	r.Use(middleware.RequireJSON)

	validator := request.NewValidator()
	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:   cfg.Version,
		BuildTime: cfg.BuildTime,
		Checks:    cfg.Checks,
		Stats:     cfg.Stats,
		Sessions:  cfg.Lister,
		Monitor:   cfg.Monitor,
		Providers: cfg.Providers,
		Logger:    cfg.Logger,
	})
	deviceHandler := handler.NewDeviceHandler(cfg.Registry, cfg.Sessions, validator, cfg.Logger)
	messageHandler := handler.NewMessageHandler(cfg.Dispatcher, validator, cfg.Logger)

	authenticate := middleware.Auth(cfg.Tokens)
	viewer := middleware.RequireRole(auth.RoleViewer)
	operator := middleware.RequireRole(auth.RoleOperator)
	reads := middleware.RateLimitByOperator(middleware.ReadRateLimit)
	writes := middleware.RateLimitByOperator(middleware.WriteRateLimit)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(middleware.PublicRateLimit))
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.With(authenticate, viewer).Get("/status", opsHandler.SystemStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticate)

			r.Group(func(r chi.Router) {
				r.Use(viewer, reads)
				r.Get("/devices", deviceHandler.ListDevices)
				r.Get("/devices/{deviceId}", deviceHandler.GetDevice)
				r.Get("/devices/{deviceId}/imei-history", deviceHandler.ImeiHistory)
				r.Get("/sims", deviceHandler.ListSIMs)
				r.Get("/messages/dead-letters", messageHandler.ListDeadLetters)
				r.Get("/messages/{messageId}", messageHandler.Get)
			})

			r.Group(func(r chi.Router) {
				r.Use(operator, writes)
				r.Put("/devices/{deviceId}", deviceHandler.UpsertDevice)
				r.Put("/devices/{deviceId}/imei", deviceHandler.SetImei)
				r.Put("/devices/{deviceId}/sim", deviceHandler.LinkSim)
				r.Delete("/devices/{deviceId}/sim", deviceHandler.UnlinkSim)
				r.Post("/devices/{deviceId}/sim:replace", deviceHandler.ReplaceSim)
				r.Post("/devices/{deviceId}/queue:purge", messageHandler.Purge)
				r.Put("/sims/{simId}", deviceHandler.UpsertSIM)
				r.Post("/messages", messageHandler.Submit)
			})
		})
	})

	return r
}
