package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/followlytics/follower-service/internal/audit"
	"github.com/followlytics/follower-service/internal/config"
	"github.com/followlytics/follower-service/internal/infrastructure/apify"
	"github.com/followlytics/follower-service/internal/infrastructure/postgres"
	"github.com/followlytics/follower-service/internal/infrastructure/rabbitmq"
	"github.com/followlytics/follower-service/internal/infrastructure/redis"
	"github.com/followlytics/follower-service/internal/pkg/logger"
	"github.com/followlytics/follower-service/internal/security"
	"github.com/followlytics/follower-service/internal/service"
	"github.com/followlytics/follower-service/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "follower-service").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	repo := postgres.New(dbPool)
	repo.StartIdempotencyKeyCleanup(rootCtx)

	// ---- Redis ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// Best-effort ping; scans degrade to the DB row lock without redis.
		if err := cache.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- Scraper ----
	scraper := apify.New(apify.Options{
		BaseURL: cfg.ApifyBaseURL,
		Token:   cfg.ApifyToken,
		Actor:   cfg.ApifyActor,
		RPS:     cfg.ScraperRPS,
		Burst:   cfg.ScraperBurst,
		Timeout: cfg.ScraperTimeout,
	})

	// ---- Application service ----
	svc := service.NewFollowerService(repo, cache, scraper, audit.New(log), service.Config{
		CoverageThreshold:   cfg.CoverageThreshold,
		DefaultMaxFollowers: cfg.DefaultMaxFollowers,
		ScanLockTTL:         cfg.ScanLockTTL,
		StatsCacheTTL:       cfg.StatsCacheTTL,
	})
	h := rest.NewHandler(svc)

	// ---- JWT verifier ----
	verifier := security.NewHS256Verifier(cfg.JWTSecret)

	// ---- Router ----
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Cache:     cache,
		Handler:   h,
		Verifier:  verifier,
		JWTIssuer: cfg.JWTIssuer,

		RateLimitDisabled: !cfg.RLEnabled,
		RateLimit:         cfg.RLLimit,
		RateLimitWindow:   cfg.RLWindow,
	})

	// ---- MQ consumer (scan commands + target snapshots) ----
	if cfg.ConsumerEnabled {
		mqConsumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, repo, svc)
		if err := mqConsumer.Start(rootCtx); err != nil {
			log.Fatal().Err(err).Msg("mq consumer start failed")
		}
		log.Info().Msg("mq consumer started")
	}

	// ---- Outbox worker (outbound follower.* / target.* events) ----
	if cfg.OutboxEnabled {
		repo.StartOutboxWorker(rootCtx, cfg.RabbitURL, cfg.RabbitExchange)
		log.Info().Msg("outbox worker started")
	}

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Scans run synchronously on POST; give writes room.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
