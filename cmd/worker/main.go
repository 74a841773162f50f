package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dontdude/goxtex/internal/bootstrap"
	"github.com/dontdude/goxtex/internal/config"
	"github.com/dontdude/goxtex/internal/metrics"
)

func main() {
	// 1. Load config and initialize logger
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())
	slog.SetDefault(logger)
	logger.Info("Starting goxtex worker",
		"broker", cfg.Broker,
		"workers", cfg.Workers,
		"runtime", cfg.EngineRuntime,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	// 2. Connect to the broker
	q, err := bootstrap.NewQueue(ctx, cfg, recorder, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	// 3. Build the engine runner, workspaces and pool
	workers, err := bootstrap.NewWorkers(ctx, cfg, q, recorder, logger)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, registry, logger)
	}

	// 4. Process jobs until shutdown, then drain
	if err := workers.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("Shutting down, draining in-flight jobs", "in_flight", workers.Pool.InFlight())
	workers.Stop()
	return nil
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving worker metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics listener failed", "error", err)
	}
}
