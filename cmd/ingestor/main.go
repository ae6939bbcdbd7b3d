package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/blockedby/channel-ingest/internal/collector"
	"github.com/blockedby/channel-ingest/internal/config"
	"github.com/blockedby/channel-ingest/internal/database"
	"github.com/blockedby/channel-ingest/internal/ingest"
	"github.com/blockedby/channel-ingest/internal/logger"
	"github.com/blockedby/channel-ingest/internal/metrics"
	"github.com/blockedby/channel-ingest/internal/migrator"
	"github.com/blockedby/channel-ingest/internal/nats"
	"github.com/blockedby/channel-ingest/internal/publisher"
	"github.com/blockedby/channel-ingest/internal/repository"
	"github.com/blockedby/channel-ingest/internal/resolver"
	"github.com/blockedby/channel-ingest/internal/telegram"
	"github.com/blockedby/channel-ingest/migrations"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Initialize logger
	if err := logger.Init(logger.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Msg("starting channel ingestor")

	// 3. Setup context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Connect to database and migrate
	db, err := database.New(ctx, cfg.DatabaseURL, database.Options{
		MaxConns:        int32(cfg.DBMaxConns),
		MaxConnLifetime: time.Hour,
		ConnectTimeout:  10 * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	metrics.RegisterPool(db.PoolStats)

	m, err := migrator.NewWithFS(migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load migrations")
	}
	if err := m.Up(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// 5. Connect to NATS
	var (
		pub collector.EventPublisher
		nc  *nats.Client
	)
	if cfg.NatsURL != "" {
		nc, err = nats.New(ctx, cfg.NatsURL, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		} else {
			defer nc.Close()
			stream := nats.StreamConfig{Name: "INGEST", Subjects: []string{"ingest.>"}}
			if err := nc.EnsureStream(ctx, stream); err != nil {
				log.Fatal().Err(err).Msg("failed to ensure ingest stream")
			}
			pub = publisher.NewNATSPublisher(nc)
		}
	}

	// 6. Initialize telegram
	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		log.Fatal().Msg("TG_API_ID and TG_API_HASH are required")
	}

	tgManager := telegram.NewManager(cfg, db.GORM)
	if err := tgManager.Init(ctx); err != nil {
		log.Error().Err(err).Msg("telegram manager init failed")
	}
	if tgManager.GetStatus() != telegram.StatusReady {
		log.Warn().Msg("telegram account not authorized, run tg-auth first")
	}

	tgClient := telegram.NewClient(tgManager, log)
	tgClient.SetRateLimiter(telegram.NewRateLimiter(cfg.TGRPS, 1))
	defer tgClient.Close()

	if cfg.IngestResolveMedia {
		bot, err := telegram.NewBotUpdates(cfg.TGBotToken)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect bot api")
		}
		tgClient.SetResolver(resolver.New(bot, resolver.Options{
			Timeout:      cfg.ResolverTimeout,
			PollInterval: cfg.ResolverPollInterval,
		}, log))
		log.Info().Msg("media resolution enabled")
	}

	// 7. Fetcher and collector service
	fetcher := ingest.NewFetcher(tgClient, ingest.Options{
		BatchSize:     cfg.IngestBatchSize,
		PollInterval:  cfg.IngestPollInterval,
		RetryBase:     cfg.IngestRetryBase,
		RetryMax:      cfg.IngestRetryMax,
		MaxSweepPages: cfg.IngestMaxSweepPages,
	}, log)

	svc := collector.NewService(
		fetcher,
		tgClient,
		repository.NewMessagesRepository(db.Pool),
		repository.NewCursorsRepository(db.Pool),
		pub,
		log,
	)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		svc.Run(ctx)
	}()

	// 8. HTTP server
	handler := collector.NewHandler(svc, cfg.IngestResolveMedia)
	handler.AddCheck("database", db.Ping)
	handler.AddCheck("telegram", func(context.Context) error {
		if st := tgManager.GetStatus(); st != telegram.StatusReady {
			return fmt.Errorf("status %s", st)
		}
		return nil
	})
	if nc != nil {
		handler.AddCheck("nats", nc.Ping)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           collector.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Int("port", cfg.HTTPPort).Msg("starting http server")
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// 9. Optional autostart
	if cfg.IngestChannel != "" {
		req := collector.StartRequest{Channel: cfg.IngestChannel, MaxTotalFetch: cfg.IngestMaxTotalFetch}
		if err := req.Validate(); err != nil {
			log.Fatal().Err(err).Str("channel", cfg.IngestChannel).Msg("invalid INGEST_CHANNEL")
		}
		if _, err := svc.Start(ctx, req.Options(cfg.IngestResolveMedia)); err != nil {
			log.Error().Err(err).Str("channel", cfg.IngestChannel).Msg("autostart failed")
		}
	}

	// 10. Wait for shutdown
	<-ctx.Done()
	log.Info().Msg("shutting down services...")

	svc.Stop()
	<-runDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	log.Info().Msg("shutdown complete")
}
