package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/goxtex/internal/domain"
)

// hubPollInterval bounds how long a waiter relies on notifications alone; broker
// pub/sub is fire-and-forget, so waiters also re-check the result store.
const hubPollInterval = time.Second

// ResultHub fans completion notifications out to in-process waiters and hooks.
type ResultHub struct {
	queue domain.JobQueue

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
	hooks   []func(ctx context.Context, jobID string)

	logger *slog.Logger
}

// NewResultHub creates a hub reading from q. Call Run to start it.
func NewResultHub(q domain.JobQueue, logger *slog.Logger) *ResultHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultHub{
		queue:   q,
		waiters: make(map[string]map[chan struct{}]struct{}),
		logger:  logger,
	}
}

// OnResult registers fn to be called for every job that reaches a result.
// It must be called before Run.
func (h *ResultHub) OnResult(fn func(ctx context.Context, jobID string)) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Run subscribes to result notifications and dispatches them until ctx is done.
func (h *ResultHub) Run(ctx context.Context) error {
	h.logger.Info("Starting result broadcaster...")

	ids, err := h.queue.SubscribeResults(ctx)
	if err != nil {
		return err
	}

	for id := range ids {
		h.notify(id)

		h.mu.Lock()
		hooks := h.hooks
		h.mu.Unlock()
		for _, fn := range hooks {
			fn(ctx, id)
		}
	}
	return ctx.Err()
}

func (h *ResultHub) notify(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.waiters[jobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *ResultHub) register(jobID string) chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiters[jobID] == nil {
		h.waiters[jobID] = make(map[chan struct{}]struct{})
	}
	h.waiters[jobID][ch] = struct{}{}
	return ch
}

func (h *ResultHub) unregister(jobID string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters[jobID], ch)
	if len(h.waiters[jobID]) == 0 {
		delete(h.waiters, jobID)
	}
}

// Waiting returns the number of registered waiters.
func (h *ResultHub) Waiting() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.waiters {
		n += len(set)
	}
	return n
}

// Wait blocks until the job has a terminal result or ctx is done. The waiter is
// registered before the first lookup so a result stored in between is not missed.
func (h *ResultHub) Wait(ctx context.Context, jobID string) (*domain.CompileResult, error) {
	ch := h.register(jobID)
	defer h.unregister(jobID, ch)

	ticker := time.NewTicker(hubPollInterval)
	defer ticker.Stop()

	for {
		res, err := h.queue.Result(ctx, jobID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, domain.ErrPending) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}
