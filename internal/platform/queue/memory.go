package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
	"github.com/dontdude/goxtex/internal/metrics"
)

const (
	// subscriberBufferSize is the channel buffer for result and cancel subscribers.
	subscriberBufferSize = 64
	// memoryPollInterval bounds how long Claim sleeps before re-checking leases.
	memoryPollInterval = 50 * time.Millisecond
)

// MemoryQueue implements domain.JobQueue in-process with the same lease protocol as
// the broker-backed queues. It serves single-process deployments and tests.
type MemoryQueue struct {
	mu          sync.Mutex
	lease       time.Duration
	maxAttempts int
	now         func() time.Time

	seq     uint64
	ready   []string
	entries map[string]*memEntry
	results map[string]*domain.CompileResult
	// changed is closed and replaced whenever new work becomes ready.
	changed chan struct{}

	resultSubs map[int]chan string
	cancelSubs map[int]chan string
	nextSub    int
	closed     bool

	recorder metrics.Recorder
	logger   *slog.Logger
}

type memEntry struct {
	job        domain.CompileJob
	deliveries int
	owner      string
	rawID      string
	leaseUntil time.Time
}

var _ domain.JobQueue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty queue with the given lease and attempt limit.
func NewMemoryQueue(opts Options) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		lease:       opts.Lease,
		maxAttempts: opts.MaxAttempts,
		now:         time.Now,
		entries:     make(map[string]*memEntry),
		results:     make(map[string]*domain.CompileResult),
		changed:     make(chan struct{}),
		resultSubs:  make(map[int]chan string),
		cancelSubs:  make(map[int]chan string),
		recorder:    metrics.OrNoop(opts.Recorder),
		logger:      opts.Logger,
	}
}

// Publish enqueues a job.
func (q *MemoryQueue) Publish(_ context.Context, job domain.CompileJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.NewError(domain.KindQueue, "queue closed")
	}
	if _, exists := q.entries[job.ID]; exists {
		return fmt.Errorf("job %s already published", job.ID)
	}

	job.Status = domain.StatusQueued
	job.Attempt = 0
	q.entries[job.ID] = &memEntry{job: job}
	q.ready = append(q.ready, job.ID)
	q.signalLocked()
	return nil
}

// Claim blocks until a job can be leased to consumer or ctx is done.
func (q *MemoryQueue) Claim(ctx context.Context, consumer string) (*domain.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.NewError(domain.KindQueue, "queue closed")
		}
		q.expireLocked()
		if d := q.nextLocked(consumer); d != nil {
			q.mu.Unlock()
			return d, nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		case <-time.After(memoryPollInterval):
		}
	}
}

func (q *MemoryQueue) nextLocked(consumer string) *domain.Delivery {
	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]

		e, ok := q.entries[id]
		if !ok || e.job.Status.Terminal() {
			continue
		}

		e.deliveries++
		if e.deliveries > q.maxAttempts {
			q.exhaustLocked(e)
			continue
		}

		q.seq++
		e.owner = consumer
		e.rawID = fmt.Sprintf("%d-%d", q.seq, e.deliveries)
		e.leaseUntil = q.now().Add(q.lease)

		return &domain.Delivery{
			Job:      e.job,
			Attempt:  e.deliveries,
			Consumer: consumer,
			RawID:    e.rawID,
		}
	}
	return nil
}

// expireLocked requeues jobs whose lease ran out, or fails them when they used up
// their attempts. It returns how many jobs it touched.
func (q *MemoryQueue) expireLocked() int {
	now := q.now()
	n := 0
	for _, e := range q.entries {
		if e.owner == "" || e.job.Status.Terminal() || now.Before(e.leaseUntil) {
			continue
		}
		n++
		q.logger.Warn("Lease expired", logfields.JobID(e.job.ID), logfields.Attempt(e.deliveries), logfields.Worker(e.owner))
		e.owner = ""
		e.rawID = ""
		if e.deliveries >= q.maxAttempts {
			q.exhaustLocked(e)
			continue
		}
		e.job.Status = domain.StatusQueued
		q.ready = append(q.ready, e.job.ID)
		q.recorder.IncRedelivery()
	}
	if n > 0 {
		q.signalLocked()
	}
	return n
}

func (q *MemoryQueue) exhaustLocked(e *memEntry) {
	attempts := e.deliveries
	if attempts > q.maxAttempts {
		attempts = q.maxAttempts
	}
	q.logger.Warn("Retries exhausted", logfields.JobID(e.job.ID), logfields.Attempt(attempts))
	q.recorder.IncRetryExhausted()
	q.storeLocked(e, domain.RetryExhaustedResult(e.job.ID, attempts))
}

// Begin marks the delivered job running.
func (q *MemoryQueue) Begin(_ context.Context, d *domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[d.Job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	switch {
	case e.job.Status == domain.StatusCancelled:
		return domain.ErrJobCancelled
	case e.job.Status.Terminal():
		return domain.ErrAlreadyTerminal
	case e.rawID != d.RawID:
		return domain.ErrLeaseLost
	}
	e.job.Status = domain.StatusRunning
	e.job.Attempt = d.Attempt
	return nil
}

// Heartbeat extends the lease held by d.
func (q *MemoryQueue) Heartbeat(_ context.Context, d *domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[d.Job.ID]
	if !ok || e.rawID != d.RawID || e.owner != d.Consumer || e.job.Status.Terminal() {
		return domain.ErrLeaseLost
	}
	e.leaseUntil = q.now().Add(q.lease)
	return nil
}

// Complete stores the first terminal result for the job and releases the lease.
func (q *MemoryQueue) Complete(_ context.Context, d *domain.Delivery, result *domain.CompileResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[d.Job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if e.rawID == d.RawID {
		e.owner = ""
		e.rawID = ""
	}
	if result != nil {
		q.storeLocked(e, result)
	}
	return nil
}

// storeLocked records result unless one exists, and notifies subscribers.
func (q *MemoryQueue) storeLocked(e *memEntry, result *domain.CompileResult) bool {
	if _, done := q.results[e.job.ID]; done {
		return false
	}
	stored := *result
	q.results[e.job.ID] = &stored
	e.job.Status = result.Outcome.Status()
	e.job.Attempt = result.Attempt
	e.owner = ""
	e.rawID = ""

	for _, ch := range q.resultSubs {
		select {
		case ch <- e.job.ID:
		default:
			q.logger.Warn("Dropping result notification for slow subscriber", logfields.JobID(e.job.ID))
		}
	}
	return true
}

// Status returns a copy of the job record without its source.
func (q *MemoryQueue) Status(_ context.Context, jobID string) (*domain.CompileJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	job := e.job
	job.Source = ""
	return &job, nil
}

// Result returns the stored terminal result.
func (q *MemoryQueue) Result(_ context.Context, jobID string) (*domain.CompileResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if res, ok := q.results[jobID]; ok {
		out := *res
		return &out, nil
	}
	if _, ok := q.entries[jobID]; ok {
		return nil, domain.ErrPending
	}
	return nil, domain.ErrNotFound
}

// Cancel cancels a queued job outright, or signals the worker running it.
func (q *MemoryQueue) Cancel(_ context.Context, jobID string) (domain.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A job whose lease ran out has no worker to signal; requeue it first so it
	// is cancelled as queued.
	q.expireLocked()

	e, ok := q.entries[jobID]
	if !ok {
		return "", domain.ErrNotFound
	}
	switch {
	case e.job.Status.Terminal():
		return e.job.Status, domain.ErrAlreadyTerminal
	case e.job.Status == domain.StatusQueued:
		q.storeLocked(e, domain.CancelledResult(jobID, e.deliveries))
		return domain.StatusCancelled, nil
	default:
		for _, ch := range q.cancelSubs {
			select {
			case ch <- jobID:
			default:
				q.logger.Warn("Dropping cancel signal for slow subscriber", logfields.JobID(jobID))
			}
		}
		return e.job.Status, nil
	}
}

// CancelSignals subscribes to cancel requests for running jobs.
func (q *MemoryQueue) CancelSignals(ctx context.Context) (<-chan string, error) {
	return q.subscribe(ctx, q.cancelSubs)
}

// SubscribeResults subscribes to completion notifications.
func (q *MemoryQueue) SubscribeResults(ctx context.Context) (<-chan string, error) {
	return q.subscribe(ctx, q.resultSubs)
}

func (q *MemoryQueue) subscribe(ctx context.Context, subs map[int]chan string) (<-chan string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.NewError(domain.KindQueue, "queue closed")
	}
	id := q.nextSub
	q.nextSub++
	ch := make(chan string, subscriberBufferSize)
	subs[id] = ch

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		defer q.mu.Unlock()
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
	}()
	return ch, nil
}

// Recover expires overdue leases.
func (q *MemoryQueue) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expireLocked(), nil
}

// Close stops all subscriptions. Pending jobs are dropped.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for id, ch := range q.resultSubs {
		delete(q.resultSubs, id)
		close(ch)
	}
	for id, ch := range q.cancelSubs {
		delete(q.cancelSubs, id)
		close(ch)
	}
	q.signalLocked()
	return nil
}

func (q *MemoryQueue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
