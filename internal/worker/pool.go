package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
)

// Compiler runs one attempt of a job and always returns a terminal result.
type Compiler interface {
	Compile(ctx context.Context, job domain.CompileJob, attempt int) *domain.CompileResult
}

// Options configure a Pool.
type Options struct {
	// Name prefixes the consumer name of each worker. Defaults to hostname-pid.
	Name string
	// Lease is the queue lease; heartbeats are sent every Lease/3.
	Lease time.Duration
}

// Pool implements a fixed-size worker pool pattern.
// Each worker claims one delivery at a time, so the pool size caps concurrent engine processes.
type Pool struct {
	// workerCount determines how many compilations can run at once.
	workerCount int
	queue       domain.JobQueue
	compiler    Compiler
	opts        Options

	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup
	// stopClaiming ends the claim loops; in-flight jobs keep their own contexts.
	stopClaiming context.CancelFunc

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	logger *slog.Logger
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, q domain.JobQueue, compiler Compiler, opts Options, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if opts.Name == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		opts.Name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workerCount: concurrency,
		queue:       q,
		compiler:    compiler,
		opts:        opts,
		inflight:    make(map[string]context.CancelFunc),
		logger:      logger,
	}
}

// Start subscribes to cancel signals and spawns the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	claimCtx, cancel := context.WithCancel(ctx)
	p.stopClaiming = cancel

	signals, err := p.queue.CancelSignals(claimCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to cancel signals: %w", err)
	}
	go p.listenCancels(signals)

	p.logger.Info("Starting worker pool", "concurrency", p.workerCount, logfields.Worker(p.opts.Name))
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(claimCtx, i)
	}
	return nil
}

// Stop stops claiming new jobs and blocks until in-flight jobs finish.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool, waiting for tasks to drain...")
	if p.stopClaiming != nil {
		p.stopClaiming()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// InFlight returns the number of jobs currently being compiled.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) listenCancels(signals <-chan string) {
	for jobID := range signals {
		p.mu.Lock()
		cancel, ok := p.inflight[jobID]
		p.mu.Unlock()
		if ok {
			p.logger.Info("Cancelling running job", logfields.JobID(jobID))
			cancel()
		}
	}
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	consumer := fmt.Sprintf("%s-%d", p.opts.Name, id)
	p.logger.Debug("Worker started", logfields.Worker(consumer))

	for {
		d, err := p.queue.Claim(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("Claim failed", logfields.Worker(consumer), logfields.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(d)
	}

	p.logger.Debug("Worker stopped", logfields.Worker(consumer))
}

// process runs one delivery to completion. The job context is detached from the claim
// context so Stop lets in-flight work drain.
func (p *Pool) process(d *domain.Delivery) {
	log := p.logger.With(logfields.JobID(d.Job.ID), logfields.Attempt(d.Attempt), logfields.Worker(d.Consumer))

	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !p.register(d.Job.ID, cancel) {
		// Another local worker still runs this job. Leave this delivery to expire.
		log.Warn("Job already in flight on this pool, skipping delivery")
		return
	}
	defer p.unregister(d.Job.ID)

	if err := p.queue.Begin(jobCtx, d); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobCancelled), errors.Is(err, domain.ErrAlreadyTerminal), errors.Is(err, domain.ErrNotFound):
			log.Info("Skipping delivery", logfields.Error(err))
			p.complete(d, nil, log)
		default:
			log.Error("Failed to mark job running", logfields.Error(err))
		}
		return
	}

	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go p.heartbeat(jobCtx, d, cancel, &leaseLost, hbDone, log)

	result := p.compile(jobCtx, d, log)
	close(hbDone)

	if leaseLost.Load() {
		// The new owner produces the result.
		return
	}
	p.complete(d, result, log)
}

func (p *Pool) compile(ctx context.Context, d *domain.Delivery, log *slog.Logger) (result *domain.CompileResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Compiler panicked", "panic", r, "stack", string(debug.Stack()))
			result = domain.FailedResult(d.Job.ID, d.Attempt, domain.KindInternal, "internal error while compiling")
		}
	}()
	return p.compiler.Compile(ctx, d.Job, d.Attempt)
}

func (p *Pool) complete(d *domain.Delivery, result *domain.CompileResult, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.queue.Complete(ctx, d, result); err != nil {
		// The lease will expire and the job will be redelivered.
		log.Error("Failed to complete delivery", logfields.Error(err))
	}
}

// heartbeat extends the lease every Lease/3 until done is closed. A lost lease
// cancels the running attempt.
func (p *Pool) heartbeat(ctx context.Context, d *domain.Delivery, cancel context.CancelFunc, lost *atomic.Bool, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(p.opts.Lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Heartbeat(ctx, d)
			if errors.Is(err, domain.ErrLeaseLost) {
				log.Warn("Lease lost, abandoning attempt")
				lost.Store(true)
				cancel()
				return
			}
			if err != nil {
				log.Error("Heartbeat failed", logfields.Error(err))
			}
		}
	}
}

func (p *Pool) register(jobID string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[jobID]; busy {
		return false
	}
	p.inflight[jobID] = cancel
	return true
}

func (p *Pool) unregister(jobID string) {
	p.mu.Lock()
	delete(p.inflight, jobID)
	p.mu.Unlock()
}
