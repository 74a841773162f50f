package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/goxtex/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryQueue(t *testing.T, maxAttempts int) (*MemoryQueue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(Options{Lease: time.Minute, MaxAttempts: maxAttempts})
	q.now = clock.Now
	t.Cleanup(func() { _ = q.Close() })
	return q, clock
}

func claimWithin(t *testing.T, q domain.JobQueue, consumer string) *domain.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Claim(ctx, consumer)
	require.NoError(t, err)
	return d
}

func TestMemoryQueue_Lifecycle(t *testing.T) {
	q, _ := newTestMemoryQueue(t, 3)
	ctx := context.Background()

	job := domain.NewJob("\\documentclass{article}", "", time.Now())
	require.NoError(t, q.Publish(ctx, job))

	_, err := q.Result(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrPending)

	d := claimWithin(t, q, "w1")
	assert.Equal(t, job.ID, d.Job.ID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, job.Source, d.Job.Source)

	require.NoError(t, q.Begin(ctx, d))
	st, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, st.Status)
	assert.Empty(t, st.Source)

	res := &domain.CompileResult{JobID: job.ID, Attempt: 1, Outcome: domain.OutcomeSucceeded, Artifact: []byte("%PDF")}
	require.NoError(t, q.Complete(ctx, d, res))

	got, err := q.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Succeeded())

	st, err = q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, st.Status)

	_, err = q.Result(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryQueue_ClaimBlocksUntilPublish(t *testing.T) {
	q, _ := newTestMemoryQueue(t, 3)

	got := make(chan *domain.Delivery, 1)
	go func() {
		d, err := q.Claim(context.Background(), "w1")
		if err == nil {
			got <- d
		}
	}()

	job := domain.NewJob("x", "", time.Now())
	require.NoError(t, q.Publish(context.Background(), job))

	select {
	case d := <-got:
		assert.Equal(t, job.ID, d.Job.ID)
	case <-time.After(time.Second):
		t.Fatal("claim did not return after publish")
	}
}

func TestMemoryQueue_ClaimHonoursContext(t *testing.T) {
	q, _ := newTestMemoryQueue(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Claim(ctx, "w1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	q, clock := newTestMemoryQueue(t, 3)
	ctx := context.Background()

	job := domain.NewJob("x", "", time.Now())
	require.NoError(t, q.Publish(ctx, job))

	first := claimWithin(t, q, "w1")
	require.NoError(t, q.Begin(ctx, first))

	clock.Advance(2 * time.Minute)

	second := claimWithin(t, q, "w2")
	assert.Equal(t, job.ID, second.Job.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.RawID, second.RawID)

	assert.ErrorIs(t, q.Heartbeat(ctx, first), domain.ErrLeaseLost)
	assert.NoError(t, q.Heartbeat(ctx, second))
}

func TestMemoryQueue_HeartbeatKeepsLease(t *testing.T) {
	q, clock := newTestMemoryQueue(t, 3)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, domain.NewJob("x", "", time.Now())))
	d := claimWithin(t, q, "w1")

	for i := 0; i < 5; i++ {
		clock.Advance(40 * time.Second)
		require.NoError(t, q.Heartbeat(ctx, d))
	}

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryQueue_RetryExhausted(t *testing.T) {
	q, clock := newTestMemoryQueue(t, 2)
	ctx := context.Background()

	job := domain.NewJob("x", "", time.Now())
	require.NoError(t, q.Publish(ctx, job))

	claimWithin(t, q, "w1")
	clock.Advance(2 * time.Minute)
	d := claimWithin(t, q, "w2")
	assert.Equal(t, 2, d.Attempt)
	clock.Advance(2 * time.Minute)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := q.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.KindRetryExhausted, res.Kind)
	assert.Equal(t, 2, res.Attempt)
	assert.Contains(t, res.Diagnostics[0].Message, "RetryExhausted")
}

func TestMemoryQueue_FirstResultWins(t *testing.T) {
	q, clock := newTestMemoryQueue(t, 3)
	ctx := context.Background()

	job := domain.NewJob("x", "", time.Now())
	require.NoError(t, q.Publish(ctx, job))

	stale := claimWithin(t, q, "w1")
	clock.Advance(2 * time.Minute)
	fresh := claimWithin(t, q, "w2")

	require.NoError(t, q.Complete(ctx, fresh, &domain.CompileResult{JobID: job.ID, Attempt: 2, Outcome: domain.OutcomeSucceeded}))
	require.NoError(t, q.Complete(ctx, stale, domain.FailedResult(job.ID, 1, domain.KindEngine, "late")))

	res, err := q.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 2, res.Attempt)
}

func TestMemoryQueue_CancelQueued(t *testing.T) {
	q, _ := newTestMemoryQueue(t, 3)
	ctx := context.Background()

	job := domain.NewJob("x", "", time.Now())
	require.NoError(t, q.Publish(ctx, job))

	st, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, st)

	res, err := q.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCancelled, res.Outcome)

	claimCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = q.Claim(claimCtx, "w1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = q.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	_, err = q.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryQueue_CancelBeforeBegin(t *testing.T) {
	q, _ := newTestMemoryQueue(t, 3)
	ctx := context.Background()

	job := domain.NewJob("x", "", time.Now())
	require.NoError(t, q.Publish(ctx, job))
	d := claimWithin(t, q, "w1")

	st, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, st)
	assert.ErrorIs(t, q.Begin(ctx, d), domain.ErrJobCancelled)
}

func TestMemoryQueue_CancelRunningSignalsWorkers(t *testing.T) {
	q, _ := newTestMemoryQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals, err := q.CancelSignals(ctx)
	require.NoError(t, err)

	job := domain.NewJob("x", "", time.Now())
	require.NoError(t, q.Publish(ctx, job))
	d := claimWithin(t, q, "w1")
	require.NoError(t, q.Begin(ctx, d))

	st, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, st)

	select {
	case id := <-signals:
		assert.Equal(t, job.ID, id)
	case <-time.After(time.Second):
		t.Fatal("no cancel signal")
	}
}

func TestMemoryQueue_SubscribeResults(t *testing.T) {
	q, _ := newTestMemoryQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())

	results, err := q.SubscribeResults(ctx)
	require.NoError(t, err)

	job := domain.NewJob("x", "", time.Now())
	require.NoError(t, q.Publish(ctx, job))
	d := claimWithin(t, q, "w1")
	require.NoError(t, q.Complete(ctx, d, domain.FailedResult(job.ID, 1, domain.KindEngine, "boom")))

	select {
	case id := <-results:
		assert.Equal(t, job.ID, id)
	case <-time.After(time.Second):
		t.Fatal("no result notification")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-results
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q, _ := newTestMemoryQueue(t, 3)
	ctx := context.Background()

	const jobs = 100
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Publish(ctx, domain.NewJob(fmt.Sprintf("doc %d", i), "", time.Now())))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				claimCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
				d, err := q.Claim(claimCtx, fmt.Sprintf("w%d", w))
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.Job.ID]++
				mu.Unlock()
				_ = q.Complete(ctx, d, &domain.CompileResult{JobID: d.Job.ID, Attempt: d.Attempt, Outcome: domain.OutcomeSucceeded})
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered more than once", id)
	}
}

func TestMemoryQueue_CancelDuringExpiredLease(t *testing.T) {
	q, clock := newTestMemoryQueue(t, 3)
	ctx := context.Background()

	job := domain.NewJob("x", "", clock.Now())
	require.NoError(t, q.Publish(ctx, job))

	d := claimWithin(t, q, "w1")
	require.NoError(t, q.Begin(ctx, d))

	clock.Advance(2 * time.Minute)

	st, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, st)

	res, err := q.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCancelled, res.Outcome)

	claimCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = q.Claim(claimCtx, "w2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.ErrorIs(t, q.Heartbeat(ctx, d), domain.ErrLeaseLost)
}
