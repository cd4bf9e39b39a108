// Command server starts the Aeropartners HTTP API: saga orchestration,
// event collector, and reporting admin endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aeropartners/aeropartners/internal/adapter/bus/kafka"
	httpserver "github.com/aeropartners/aeropartners/internal/adapter/httpserver"
	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/adapter/repo/postgres"
	"github.com/aeropartners/aeropartners/internal/adapter/store"
	"github.com/aeropartners/aeropartners/internal/app"
	"github.com/aeropartners/aeropartners/internal/config"
	"github.com/aeropartners/aeropartners/internal/domain"
	"github.com/aeropartners/aeropartners/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	sagaRepo := postgres.NewSagaRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	trackingRepo := postgres.NewTrackingEventRepo(pool)
	affiliateRepo := postgres.NewAffiliateRepo(pool)
	configRepo := postgres.NewDataServiceConfigRepo(pool)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Collector commands bypass the outbox: the tracking event row is the
	// durable record and Retry covers publish failures.
	producer, err := kafka.NewProducer(cfg.BrokerURL, cfg.PublishSendTimeout,
		domain.TrackingCommandTopic("Click"),
		domain.TrackingCommandTopic("Conversion"),
		domain.TrackingCommandTopic("PageView"),
	)
	if err != nil {
		slog.Error("kafka producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	var (
		dedup domain.DedupStore
		rate  domain.RateLimitStore
		rdb   *redis.Client
	)
	if cfg.UseRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
		rs := store.NewRedisStore(rdb)
		dedup, rate = rs, rs
		slog.Info("using redis stores", slog.String("addr", cfg.RedisAddr()))
	} else {
		ms := store.NewMemoryStore()
		dedup, rate = ms, ms
		slog.Info("using in-memory stores")
	}

	if cfg.IsDev() {
		seedAffiliates(ctx, affiliateRepo)
	}

	sagas := usecase.NewSagaService(sagaRepo, outboxRepo)
	sagas.DefaultTimeoutMinutes = cfg.SagaTimeoutMinutes
	collector := usecase.NewCollector(trackingRepo, affiliateRepo, dedup, rate, producer,
		cfg.DedupTTL, cfg.RateLimitWindow, cfg.DefaultPerMinuteCap)
	reporting := usecase.NewReportingAdmin(configRepo)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)
	srv := httpserver.NewServer(cfg, sagas, collector, reporting, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
