package worker_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/platform/queue"
	"github.com/dontdude/goxtex/internal/worker"
)

type compilerFunc func(ctx context.Context, job domain.CompileJob, attempt int) *domain.CompileResult

func (f compilerFunc) Compile(ctx context.Context, job domain.CompileJob, attempt int) *domain.CompileResult {
	return f(ctx, job, attempt)
}

func succeed(_ context.Context, job domain.CompileJob, attempt int) *domain.CompileResult {
	return &domain.CompileResult{JobID: job.ID, Attempt: attempt, Outcome: domain.OutcomeSucceeded, Artifact: []byte("%PDF")}
}

func startPool(t *testing.T, q domain.JobQueue, n int, c worker.Compiler, lease time.Duration) *worker.Pool {
	t.Helper()
	p := worker.NewPool(n, q, c, worker.Options{Name: "test", Lease: lease}, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func waitResult(t *testing.T, q domain.JobQueue, id string) *domain.CompileResult {
	t.Helper()
	var res *domain.CompileResult
	require.Eventually(t, func() bool {
		r, err := q.Result(context.Background(), id)
		if err != nil {
			return false
		}
		res = r
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return res
}

func publish(t *testing.T, q domain.JobQueue, source string) domain.CompileJob {
	t.Helper()
	job := domain.NewJob(source, "", time.Now())
	require.NoError(t, q.Publish(context.Background(), job))
	return job
}

func TestPoolProcessesJobs(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{Lease: time.Second})
	startPool(t, q, 3, compilerFunc(succeed), time.Second)

	var jobs []domain.CompileJob
	for i := 0; i < 10; i++ {
		jobs = append(jobs, publish(t, q, fmt.Sprintf("doc %d", i)))
	}
	for _, job := range jobs {
		res := waitResult(t, q, job.ID)
		assert.True(t, res.Succeeded())
		assert.Equal(t, 1, res.Attempt)
	}
}

func TestPoolCapsConcurrency(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{Lease: time.Second})

	var running, peak atomic.Int32
	c := compilerFunc(func(ctx context.Context, job domain.CompileJob, attempt int) *domain.CompileResult {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return succeed(ctx, job, attempt)
	})
	startPool(t, q, 2, c, time.Second)

	var jobs []domain.CompileJob
	for i := 0; i < 8; i++ {
		jobs = append(jobs, publish(t, q, "x"))
	}
	for _, job := range jobs {
		waitResult(t, q, job.ID)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolCancelsRunningJob(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{Lease: time.Second})

	started := make(chan struct{})
	c := compilerFunc(func(ctx context.Context, job domain.CompileJob, attempt int) *domain.CompileResult {
		close(started)
		<-ctx.Done()
		return domain.CancelledResult(job.ID, attempt)
	})
	startPool(t, q, 1, c, time.Second)

	job := publish(t, q, "slow")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	st, err := q.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, st)

	res := waitResult(t, q, job.ID)
	assert.Equal(t, domain.OutcomeCancelled, res.Outcome)
}

func TestPoolRecoversCompilerPanic(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{Lease: time.Second})
	c := compilerFunc(func(context.Context, domain.CompileJob, int) *domain.CompileResult {
		panic("boom")
	})
	startPool(t, q, 1, c, time.Second)

	job := publish(t, q, "x")
	res := waitResult(t, q, job.ID)
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.KindInternal, res.Kind)
	assert.NotContains(t, res.Diagnostics[0].Message, "boom")
}

func TestPoolHeartbeatKeepsLongJobLeased(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{Lease: 90 * time.Millisecond})

	var calls atomic.Int32
	c := compilerFunc(func(ctx context.Context, job domain.CompileJob, attempt int) *domain.CompileResult {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		return succeed(ctx, job, attempt)
	})
	startPool(t, q, 2, c, 90*time.Millisecond)

	job := publish(t, q, "long")
	res := waitResult(t, q, job.ID)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoolStopDrainsInFlight(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{Lease: time.Second})

	var once sync.Once
	started := make(chan struct{})
	c := compilerFunc(func(ctx context.Context, job domain.CompileJob, attempt int) *domain.CompileResult {
		once.Do(func() { close(started) })
		time.Sleep(100 * time.Millisecond)
		return succeed(ctx, job, attempt)
	})
	p := worker.NewPool(1, q, c, worker.Options{Name: "drain", Lease: time.Second}, nil)
	require.NoError(t, p.Start(context.Background()))

	job := publish(t, q, "x")
	<-started
	p.Stop()

	res, err := q.Result(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Zero(t, p.InFlight())
}
