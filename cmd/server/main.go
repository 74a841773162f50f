package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dontdude/goxtex/internal/api"
	"github.com/dontdude/goxtex/internal/bootstrap"
	"github.com/dontdude/goxtex/internal/config"
	"github.com/dontdude/goxtex/internal/gateway"
	"github.com/dontdude/goxtex/internal/metrics"
	"github.com/dontdude/goxtex/internal/platform/web"
	"github.com/dontdude/goxtex/internal/retry"
	"github.com/dontdude/goxtex/internal/store"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
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
	logger.Info("Connected to broker", "broker", cfg.Broker)

	// 3. Open the result archive
	var archive store.Store
	if cfg.DBPath != "" {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		archive = db
	}

	// 4. Start the result hub
	hub := gateway.NewResultHub(q, logger)
	if archive != nil {
		hub.OnResult(gateway.NewArchiver(q, archive, logger).Archive)
	}
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Result hub stopped", "error", err)
		}
	}()

	// 5. Optionally run workers in this process
	if cfg.EmbedWorkers {
		workers, err := bootstrap.NewWorkers(ctx, cfg, q, recorder, logger)
		if err != nil {
			return err
		}
		if err := workers.Start(ctx); err != nil {
			return err
		}
		defer workers.Stop()
	}

	gw := gateway.New(q, hub, gateway.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxSyncWait:    cfg.MaxSyncWait,
		Publish:        retry.DefaultPolicy(),
	}, recorder, logger)

	// 6. Serve HTTP until shutdown
	var limiter *web.RateLimiter
	if cfg.Rate > 0 {
		limiter = web.NewRateLimiter(ctx, cfg.Rate, cfg.Burst)
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Gateway:        gw,
		Archive:        archive,
		Limiter:        limiter,
		Registry:       registry,
		Recorder:       recorder,
		Mode:           cfg.Mode,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxSyncWait:    cfg.MaxSyncWait,
		Logger:         logger,
	})
	return srv.Run(ctx)
}
