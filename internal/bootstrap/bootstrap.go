// Package bootstrap assembles the queue and worker components shared by the
// server and worker binaries from a Config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/goxtex/internal/compiler"
	"github.com/dontdude/goxtex/internal/config"
	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/engine"
	"github.com/dontdude/goxtex/internal/metrics"
	"github.com/dontdude/goxtex/internal/platform/docker"
	"github.com/dontdude/goxtex/internal/platform/queue"
	"github.com/dontdude/goxtex/internal/worker"
	"github.com/dontdude/goxtex/internal/workspace"
)

// NewQueue connects to the broker named by cfg.Broker.
func NewQueue(ctx context.Context, cfg config.Config, recorder metrics.Recorder, logger *slog.Logger) (domain.JobQueue, error) {
	opts := queue.Options{
		Lease:       cfg.Lease,
		MaxAttempts: cfg.MaxAttempts,
		ResultTTL:   cfg.ResultTTL,
		Recorder:    recorder,
		Logger:      logger,
	}

	switch cfg.Broker {
	case config.BrokerRedis:
		q, err := queue.NewRedisQueue(ctx, queue.RedisOptions{Options: opts, Addr: cfg.RedisAddr})
		if err != nil {
			return nil, err
		}
		return q, nil
	case config.BrokerNATS:
		q, err := queue.NewNATSQueue(ctx, queue.NATSOptions{Options: opts, URL: cfg.NATSURL})
		if err != nil {
			return nil, err
		}
		return q, nil
	case config.BrokerMemory:
		return queue.NewMemoryQueue(opts), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// RecoveryInterval is how often expired leases are swept for a given lease.
func RecoveryInterval(lease time.Duration) time.Duration {
	if d := lease / 2; d > time.Second {
		return d
	}
	return time.Second
}

// Workers is a worker pool with the workspace manager and engine runner it owns.
type Workers struct {
	Pool       *worker.Pool
	Workspaces *workspace.Manager

	queue    domain.JobQueue
	sweeper  *workspace.Sweeper
	interval time.Duration
	closers  []func() error
	logger   *slog.Logger
}

// NewWorkers builds the engine runner, workspace manager, executor and pool.
func NewWorkers(ctx context.Context, cfg config.Config, q domain.JobQueue, recorder metrics.Recorder, logger *slog.Logger) (*Workers, error) {
	w := &Workers{queue: q, interval: RecoveryInterval(cfg.Lease), logger: logger}

	runner, err := w.newRunner(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.NewManager(cfg.TempRoot, logger)
	if err != nil {
		w.close()
		return nil, err
	}
	ws.SetRecorder(recorder)
	w.Workspaces = ws

	sweeper, err := workspace.NewSweeper(ws, cfg.SweepInterval, cfg.OrphanAge)
	if err != nil {
		w.close()
		return nil, err
	}
	w.sweeper = sweeper

	exec := compiler.NewExecutor(ws, runner, compiler.Options{
		Engine:  cfg.Engine,
		Timeout: cfg.JobTimeout,
		Passes:  cfg.EnginePasses,
	}, logger)
	exec.SetRecorder(recorder)

	w.Pool = worker.NewPool(cfg.Workers, q, exec, worker.Options{Lease: cfg.Lease}, logger)
	return w, nil
}

func (w *Workers) newRunner(ctx context.Context, cfg config.Config) (domain.EngineRunner, error) {
	if cfg.EngineRuntime != config.RuntimeDocker {
		return engine.NewLocalRunner(), nil
	}

	cli, err := docker.NewClient(ctx, docker.Options{Image: cfg.DockerImage}, w.logger)
	if err != nil {
		return nil, err
	}
	cli.Prepare(ctx)
	w.closers = append(w.closers, cli.Close)
	return cli, nil
}

// Start runs the workspace sweeper, lease recovery and the pool.
func (w *Workers) Start(ctx context.Context) error {
	w.sweeper.Start(ctx)
	go queue.RunRecovery(ctx, w.queue, w.interval, w.logger)
	return w.Pool.Start(ctx)
}

// Stop drains in-flight jobs and releases the engine runner.
func (w *Workers) Stop() {
	w.Pool.Stop()
	w.close()
}

func (w *Workers) close() {
	for _, c := range w.closers {
		if err := c(); err != nil {
			w.logger.Warn("Close engine runner", "error", err)
		}
	}
	w.closers = nil
}
