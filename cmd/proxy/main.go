// Command proxy runs the campaign-service failover proxy: it forwards
// /api/campaigns traffic to the active upstream and fails over to the
// replica when the primary goes unhealthy.
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

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/config"
	"github.com/aeropartners/aeropartners/internal/proxy"
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

	state, err := proxy.NewState(cfg.PrimaryServiceURL, cfg.ReplicaServiceURL, cfg.MaxConsecutiveFailures)
	if err != nil {
		slog.Error("proxy state init failed", slog.Any("error", err))
		os.Exit(1)
	}

	prober := proxy.NewProber(state, nil, cfg.HealthPath, cfg.HealthCheckInterval, cfg.HealthCheckTimeout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() { _ = prober.Run(ctx) }()

	forwarder := proxy.NewForwarder(state, nil)
	handler := proxy.NewRouter(state, forwarder)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("failover proxy starting",
			slog.Int("port", cfg.Port),
			slog.String("primary", cfg.PrimaryServiceURL),
			slog.String("replica", cfg.ReplicaServiceURL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("proxy server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
