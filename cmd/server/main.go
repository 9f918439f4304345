package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/khidmaplus/be-coordination/internal/client"
	"github.com/khidmaplus/be-coordination/internal/config"
	"github.com/khidmaplus/be-coordination/internal/database"
	"github.com/khidmaplus/be-coordination/internal/handler"
	"github.com/khidmaplus/be-coordination/internal/logger"
	"github.com/khidmaplus/be-coordination/internal/repository"
	"github.com/khidmaplus/be-coordination/internal/service"
	"github.com/khidmaplus/be-coordination/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting coordination service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if err := database.Migrate(cfg.Database.URL); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// NATS is optional. Without it events are dropped and governance runs
	// only on direct API actions.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS URL not set, event stream disabled")
	}

	providerRepo := repository.NewProviderRepository(db)
	applicationRepo := repository.NewApplicationRepository(db)
	broadcastRepo := repository.NewBroadcastRepository(db)
	flagRepo := repository.NewFlagRepository(db)
	supportRepo := repository.NewSupportRepository(db)
	metricsRepo := repository.NewMetricsRepository(db)

	gateway := client.NewGatewayClient(client.GatewayConfig{
		BaseURL:     cfg.Gateway.BaseURL,
		OrgID:       cfg.Gateway.OrgID,
		APIKey:      cfg.Gateway.APIKey,
		CountryCode: cfg.Gateway.CountryCode,
		CallTimeout: cfg.Gateway.CallTimeout,
	})
	bus := client.NewEventBus(natsConn, log)
	clock := clockwork.NewRealClock()

	providerSvc := service.NewProviderService(providerRepo, flagRepo, bus, cfg.Policy, log)
	applicationSvc := service.NewApplicationService(applicationRepo, providerSvc, gateway, supportRepo, cfg.Gateway.CountryCode, log)
	broadcastSvc := service.NewBroadcastService(broadcastRepo, supportRepo, providerSvc, gateway, bus, cfg.Policy, cfg.Gateway.CountryCode, clock, log)
	feedbackSvc := service.NewFeedbackService(flagRepo, gateway, bus, cfg.Policy, cfg.Gateway.CountryCode, clock, log)
	governanceSvc := service.NewGovernanceService(providerSvc, flagRepo, cfg.Policy, log)
	metricsSvc := service.NewMetricsService(metricsRepo, cfg.Policy, clock, log)

	if natsConn != nil {
		if err := governanceSvc.Start(bus); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe governance handlers")
		}
		log.Info().Msg("Governance subscriptions active")
	}

	go worker.NewExpiryWorker(broadcastSvc, cfg.Workers.ExpirySweepInterval, clock, log).Run(ctx)
	go worker.NewFollowupWorker(feedbackSvc, cfg.Workers.FollowupSweepInterval, clock, log).Run(ctx)
	go worker.NewGatewaySyncWorker(supportRepo, gateway, cfg.Workers.SyncRetryInterval, cfg.Workers.SyncMaxAttempts, clock, log).Run(ctx)

	h := handler.NewHTTPHandler(
		applicationSvc,
		providerSvc,
		broadcastSvc,
		feedbackSvc,
		governanceSvc,
		metricsSvc,
		supportRepo,
		cfg.Gateway.CountryCode,
		log,
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
