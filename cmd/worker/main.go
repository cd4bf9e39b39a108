// Command worker runs the saga engine: it consumes saga and payment events,
// drives steps through the participants, drains the transactional outbox, and
// sweeps timed-out sagas.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeropartners/aeropartners/internal/adapter/bus/kafka"
	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/adapter/participant"
	"github.com/aeropartners/aeropartners/internal/adapter/repo/postgres"
	"github.com/aeropartners/aeropartners/internal/config"
	"github.com/aeropartners/aeropartners/internal/domain"
	"github.com/aeropartners/aeropartners/internal/service/outbox"
	"github.com/aeropartners/aeropartners/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	sagaRepo := postgres.NewSagaRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	inboxRepo := postgres.NewInboxRepo(pool)
	configRepo := postgres.NewDataServiceConfigRepo(pool)

	httpClient := &http.Client{Timeout: cfg.ParticipantTimeout}
	participants := map[domain.StepKind]domain.Participant{
		domain.StepCreateCampaign: participant.NewCampaign(cfg.CampaignServiceURL, httpClient, cfg.ParticipantTimeout),
		domain.StepProcessPayment: participant.NewPayment(cfg.PaymentServiceURL, httpClient, cfg.ParticipantTimeout),
		domain.StepGenerateReport: participant.NewReport(cfg.ReportingServiceURL, configRepo, httpClient, cfg.ParticipantTimeout),
	}
	engine := usecase.NewEngine(sagaRepo, inboxRepo, participants)

	producer, err := kafka.NewProducer(cfg.BrokerURL, cfg.PublishSendTimeout,
		domain.TopicSagaEvents, domain.TopicPaymentsEvents)
	if err != nil {
		slog.Error("kafka producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	consumer, err := kafka.NewConsumer(cfg.BrokerURL, cfg.ConsumerGroup, cfg.MaxRedeliverCount, cfg.AckTimeout,
		map[string]kafka.Handler{
			domain.TopicSagaEvents:     engine.HandleSagaEvent,
			domain.TopicPaymentsEvents: engine.HandlePaymentEvent,
		})
	if err != nil {
		slog.Error("kafka consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	drainer := outbox.NewDrainer(outboxRepo, producer, cfg.OutboxBatchSize,
		cfg.OutboxPollInterval, cfg.OutboxMaxIdleBackoff)
	sweeper := usecase.NewSweeper(sagaRepo, engine, cfg.SagaSweeperInterval)

	go func() {
		if err := drainer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("outbox drainer stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("saga sweeper stopped", slog.Any("error", err))
		}
	}()

	// Metrics endpoint for the worker process.
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker metrics server starting", slog.Int("port", cfg.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
