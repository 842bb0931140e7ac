// Package main provides the entrypoint for the simgate messaging gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/simgate/simgate/internal/alert"
	"github.com/simgate/simgate/internal/api"
	"github.com/simgate/simgate/internal/api/handler"
	"github.com/simgate/simgate/internal/api/middleware"
	"github.com/simgate/simgate/internal/auth"
	"github.com/simgate/simgate/internal/config"
	"github.com/simgate/simgate/internal/database"
	"github.com/simgate/simgate/internal/device"
	"github.com/simgate/simgate/internal/dispatch"
	"github.com/simgate/simgate/internal/logger"
	"github.com/simgate/simgate/internal/message"
	"github.com/simgate/simgate/internal/monitor"
	"github.com/simgate/simgate/internal/provider/resilience"
	"github.com/simgate/simgate/internal/queue"
	"github.com/simgate/simgate/internal/session"
	"github.com/simgate/simgate/internal/telemetry"
	"github.com/simgate/simgate/internal/translation"
	"github.com/simgate/simgate/internal/translation/libretranslate"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "simgate-gateway"

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid configuration")
	}

	log, err := logger.New(logger.Options{
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Service: serviceName,
		Version: Version,
	})
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid log level")
	}

	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.Env).
		Msg("starting simgate gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	httpMetrics, err := middleware.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize http metrics")
	}
	gatewayMetrics, err := telemetry.NewGatewayMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize gateway metrics")
	}

	checks := map[string]handler.ReadinessCheck{}

	// Storage
	var (
		deviceRepo device.Repository
		archive    message.Archive
	)
	if cfg.Database.Enabled() {
		pool, err := database.Connect(ctx, cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		log.Info().
			Str("host", cfg.Database.Host).
			Int("port", cfg.Database.Port).
			Str("database", cfg.Database.Database).
			Msg("database connected")

		deviceRepo = device.NewPostgresRepository(pool)
		archive = message.NewPostgresArchive(pool)
		checks["database"] = pool.Ping
	} else {
		log.Warn().Msg("database disabled, state is kept in memory only")
		deviceRepo = device.NewInMemoryRepository()
		archive = message.NewInMemoryArchive()
	}

	providers := resilience.NewRegistry()

	registry := device.NewRegistry(device.RegistryConfig{
		Repository: deviceRepo,
		Logger:     log,
	})

	sessions := session.NewManager(session.ManagerConfig{
		Provider: session.NewHTTPProvider(session.HTTPProviderConfig{
			BaseURL:  cfg.Session.ProviderURL,
			Timeout:  cfg.Session.ProviderTimeout,
			Registry: providers,
		}),
		Seen:            registry,
		Logger:          log,
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
		InboundWorkers:  cfg.Session.InboundWorkers,
	})

	// Translation is optional; without it payloads are delivered as written.
	var translator dispatch.Translator
	if cfg.Translation.URL != "" {
		var remote translation.RemoteCache
		if cfg.Translation.ValkeyURL != "" {
			cache, err := translation.NewValkeyCache(ctx, cfg.Translation.ValkeyURL, os.Getenv("VALKEY_PASSWORD"), cfg.Translation.CacheTTL)
			if err != nil {
				log.Warn().Err(err).Msg("valkey unavailable, using in-process translation cache only")
			} else {
				defer cache.Close()
				remote = cache
			}
		}
		stage, err := translation.NewStage(translation.Config{
			Provider: libretranslate.New(libretranslate.Config{
				BaseURL:  cfg.Translation.URL,
				APIKey:   cfg.Translation.APIKey,
				Timeout:  cfg.Translation.Timeout,
				Registry: providers,
			}),
			Remote:    remote,
			Timeout:   cfg.Translation.Timeout,
			CacheSize: cfg.Translation.CacheSize,
			Logger:    log,
			Metrics:   gatewayMetrics,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create translation stage")
		}
		translator = stage
		log.Info().Str("url", cfg.Translation.URL).Msg("translation enabled")
	}

	sinks := alert.MultiSink{alert.NewLogSink(log)}
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.Alerts.WebhookURL, providers))
	}

	var inbound dispatch.InboundSink
	if cfg.PubSub.ProjectID != "" {
		if cfg.PubSub.AlertsTopic != "" {
			sink, err := alert.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.AlertsTopic)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create pubsub alert sink")
			}
			defer closeLogged(log, "pubsub alert sink", sink.Close)
			sinks = append(sinks, sink)
		}
		if cfg.PubSub.InboundTopic != "" {
			sink, err := dispatch.NewPubSubInboundSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.InboundTopic)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create pubsub inbound sink")
			}
			defer closeLogged(log, "pubsub inbound sink", sink.Close)
			inbound = sink
		}
	}

	dispatcher := dispatch.New(dispatch.Options{
		Config:     cfg.Dispatch,
		Queue:      queue.New(cfg.Queue),
		Archive:    archive,
		Devices:    registry,
		Sessions:   sessions,
		Translator: translator,
		Inbound:    inbound,
		Metrics:    gatewayMetrics,
		Logger:     log,
	})
	sessions.SetHandler(dispatcher)
	sessions.SetOnConnect(func(string) { dispatcher.Wake() })

	mon := monitor.New(monitor.Options{
		Config:   cfg.Monitor,
		Registry: registry,
		Probe:    monitor.NewHTTPProbe(cfg.Probe.URL, cfg.Probe.Timeout, providers),
		Tagger:   dispatcher,
		Sessions: sessions,
		Sink:     sinks,
		Metrics:  gatewayMetrics,
		Logger:   log,
	})
	dispatcher.SetOverflowReporter(mon)

	recovered, err := dispatcher.Recover(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to recover queued messages")
	}
	log.Info().Int("messages", recovered).Msg("queue recovered from archive")

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Info().Str("component", name).Msg("stopped")
		}()
	}
	start("sessions", sessions.Run)
	start("dispatcher", dispatcher.Run)
	start("monitor", func(ctx context.Context) { mon.Run(ctx, sessions.OfflineCandidates()) })

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.EventsSubscription != "" {
		source, err := session.NewPubSubSource(ctx, session.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.EventsSubscription,
			Manager:          sessions,
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create endpoint event subscription")
		}
		defer closeLogged(log, "endpoint event subscription", source.Close)
		start("endpoint-events", func(ctx context.Context) {
			if err := source.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("endpoint event subscription failed")
			}
		})
	}

	signingKey := cfg.JWTSigningKey
	if signingKey == "" {
		signingKey = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}

	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		ServiceName: serviceName,
		Logger:      log,
		Metrics:     httpMetrics,
		RequireTLS:  cfg.Env == "production",
		Tokens:      auth.NewJWTService(auth.JWTConfig{SigningKey: signingKey}),
		Registry:    registry,
		Sessions:    sessions,
		Dispatcher:  dispatcher,
		Stats:       dispatcher,
		Lister:      sessions,
		Monitor:     mon,
		Providers:   providers,
		Checks:      checks,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	wg.Wait()

	log.Info().Msg("gateway stopped")
}

func closeLogged(log zerolog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Error().Err(err).Str("resource", name).Msg("close failed")
	}
}
