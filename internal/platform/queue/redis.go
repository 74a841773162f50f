package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
	"github.com/dontdude/goxtex/internal/metrics"
)

const (
	defaultStream = "goxtex:jobs"
	defaultGroup  = "goxtex-workers"
	keyPrefix     = "goxtex:"

	resultsChannel = "goxtex:results"
	cancelChannel  = "goxtex:cancel"

	readBlock    = 2 * time.Second
	errorBackoff = time.Second
	recoverBatch = 100
)

// beginScript moves a queued or running job to running and reports the status it saw.
// A running job flagged by Cancel reports cancel_requested so the caller records it cancelled.
var beginScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then return 'missing' end
if (s == 'queued' or s == 'running') and redis.call('HEXISTS', KEYS[1], 'cancel_requested') == 1 then
  return 'cancel_requested'
end
if s == 'queued' or s == 'running' then
  redis.call('HSET', KEYS[1], 'status', 'running', 'attempt', ARGV[1])
  return 'running'
end
return s
`)

// cancelScript cancels a queued job atomically and reports the status it saw. A running
// job is flagged so a redelivery after lease expiry ends cancelled instead of running.
var cancelScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then return 'missing' end
if s == 'queued' then
  redis.call('HSET', KEYS[1], 'status', 'cancelled')
  return 'cancelled_now'
end
if s == 'running' then
  redis.call('HSET', KEYS[1], 'cancel_requested', '1')
end
return s
`)

// heartbeatScript renews the pending entry only while ARGV[3] still owns it, so a
// late heartbeat cannot take back an entry another consumer reclaimed.
var heartbeatScript = redis.NewScript(`
local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1)
if #p == 0 or p[1][2] ~= ARGV[3] then return 0 end
local ids = redis.call('XCLAIM', KEYS[1], ARGV[1], ARGV[3], 0, ARGV[2], 'JUSTID')
return #ids
`)

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Options
	Addr   string
	Stream string
	Group  string
}

// RedisQueue implements domain.JobQueue using Redis Streams consumer groups.
// The pending entries list holds the leases: an entry idle longer than Lease is
// reclaimed by the next consumer, and its delivery counter is the attempt number.
// Job records and results live in plain keys next to the stream.
type RedisQueue struct {
	client *redis.Client
	stream string
	group  string
	opts   Options

	mu sync.Mutex
	// claimCursor is where the next XAUTOCLAIM scan of the pending list starts.
	claimCursor string

	recorder metrics.Recorder
	logger   *slog.Logger
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue connects to Redis and makes sure the consumer group exists.
func NewRedisQueue(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
	})

	// Fail-fast ping check
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if opts.Stream == "" {
		opts.Stream = defaultStream
	}
	if opts.Group == "" {
		opts.Group = defaultGroup
	}
	base := opts.Options.withDefaults()

	q := &RedisQueue{
		client:   rdb,
		stream:   opts.Stream,
		group:    opts.Group,
		opts:     base,
		recorder: base.Recorder,
		logger:   base.Logger,
	}
	if err := q.ensureGroup(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return q, nil
}

// ensureGroup creates the consumer group reading from the start of the stream, so
// jobs published before any worker started are not skipped.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func jobKey(id string) string    { return keyPrefix + "job:" + id }
func resultKey(id string) string { return keyPrefix + "result:" + id }

// Publish records the job and appends it to the stream in one transaction.
func (r *RedisQueue) Publish(ctx context.Context, job domain.CompileJob) error {
	job.Status = domain.StatusQueued
	job.Attempt = 0

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(job.ID), map[string]interface{}{
			"id":           job.ID,
			"status":       string(job.Status),
			"attempt":      0,
			"submitted_at": job.SubmittedAt.Format(time.RFC3339Nano),
			"owner":        job.Owner,
		})
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.stream,
			Values: map[string]interface{}{"job": data},
		})
		return nil
	})
	if err != nil {
		return domain.WrapError(err, domain.KindQueue, "redis publish failed")
	}
	return nil
}

// Claim blocks until a job is leased to consumer. Expired leases are taken over
// before new entries are read.
func (r *RedisQueue) Claim(ctx context.Context, consumer string) (*domain.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := r.claimExpired(ctx, consumer)
		if err == nil && d == nil {
			d, err = r.readNew(ctx, consumer)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Error("Redis claim error", logfields.Worker(consumer), logfields.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(errorBackoff):
			}
			continue
		}
		if d != nil {
			return d, nil
		}
	}
}

// claimExpired scans the pending entries list for one lease older than Lease,
// resuming from where the previous scan stopped. It stops once the scan wraps.
func (r *RedisQueue) claimExpired(ctx context.Context, consumer string) (*domain.Delivery, error) {
	r.mu.Lock()
	start := r.claimCursor
	r.mu.Unlock()
	if start == "" {
		start = "0-0"
	}

	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  r.opts.Lease,
			Start:    start,
			Count:    1,
			Consumer: consumer,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, err
		}

		r.mu.Lock()
		r.claimCursor = next
		r.mu.Unlock()

		for _, msg := range messages {
			attempt, err := r.deliveryCount(ctx, msg.ID)
			if err != nil {
				return nil, err
			}
			r.recorder.IncRedelivery()
			r.logger.Warn("Reclaimed expired lease", logfields.RawID(msg.ID), logfields.Attempt(attempt), logfields.Worker(consumer))
			if d := r.accept(ctx, consumer, msg, attempt); d != nil {
				return d, nil
			}
		}

		if next == "" || next == "0-0" {
			return nil, nil
		}
		start = next
	}
}

func (r *RedisQueue) readNew(ctx context.Context, consumer string) (*domain.Delivery, error) {
	// XREADGROUP blocks until a message is available; the bounded block lets us re-check ctx and expired leases.
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: consumer,
		Streams:  []string{r.stream, ">"},
		Count:    1,
		Block:    readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if d := r.accept(ctx, consumer, msg, 1); d != nil {
				return d, nil
			}
		}
	}
	return nil, nil
}

// accept turns a stream entry into a delivery, or settles it when it must not run.
func (r *RedisQueue) accept(ctx context.Context, consumer string, msg redis.XMessage, attempt int) *domain.Delivery {
	val, ok := msg.Values["job"].(string)
	if !ok {
		r.logger.Error("Invalid message format", logfields.RawID(msg.ID))
		r.settle(ctx, msg.ID)
		return nil
	}
	var job domain.CompileJob
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		r.logger.Error("Failed to unmarshal job", logfields.RawID(msg.ID), logfields.Error(err))
		r.settle(ctx, msg.ID)
		return nil
	}

	fields, err := r.client.HMGet(ctx, jobKey(job.ID), "status", "cancel_requested").Result()
	if err == nil {
		status, _ := fields[0].(string)
		if domain.Status(status).Terminal() {
			r.settle(ctx, msg.ID)
			return nil
		}
		if fields[1] != nil {
			r.logger.Info("Skipping cancelled job", logfields.JobID(job.ID), logfields.RawID(msg.ID))
			if _, err := r.store(ctx, domain.CancelledResult(job.ID, attempt)); err != nil {
				r.logger.Error("Failed to record cancelled job", logfields.JobID(job.ID), logfields.Error(err))
				return nil
			}
			r.settle(ctx, msg.ID)
			return nil
		}
	}

	if attempt > r.opts.MaxAttempts {
		r.exhaust(ctx, job.ID, msg.ID, r.opts.MaxAttempts)
		return nil
	}

	return &domain.Delivery{
		Job:      job,
		Attempt:  attempt,
		Consumer: consumer,
		RawID:    msg.ID,
	}
}

func (r *RedisQueue) deliveryCount(ctx context.Context, rawID string) (int, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.stream,
		Group:  r.group,
		Start:  rawID,
		End:    rawID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

// Begin moves the job to running unless it was cancelled or already finished.
func (r *RedisQueue) Begin(ctx context.Context, d *domain.Delivery) error {
	seen, err := beginScript.Run(ctx, r.client, []string{jobKey(d.Job.ID)}, d.Attempt).Text()
	if err != nil {
		return domain.WrapError(err, domain.KindQueue, "redis begin failed")
	}
	switch seen {
	case "running":
		return nil
	case "missing":
		return domain.ErrNotFound
	case "cancel_requested":
		if _, err := r.store(ctx, domain.CancelledResult(d.Job.ID, d.Attempt)); err != nil {
			return err
		}
		return domain.ErrJobCancelled
	case string(domain.StatusCancelled):
		return domain.ErrJobCancelled
	default:
		return domain.ErrAlreadyTerminal
	}
}

// Heartbeat resets the idle time of the pending entry if consumer still owns it.
// XCLAIM with JUSTID does not bump the delivery counter.
func (r *RedisQueue) Heartbeat(ctx context.Context, d *domain.Delivery) error {
	renewed, err := heartbeatScript.Run(ctx, r.client, []string{r.stream}, r.group, d.RawID, d.Consumer).Int()
	if err != nil {
		return domain.WrapError(err, domain.KindQueue, "redis heartbeat failed")
	}
	if renewed == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Complete stores the result if none exists yet, then acknowledges the entry.
func (r *RedisQueue) Complete(ctx context.Context, d *domain.Delivery, result *domain.CompileResult) error {
	if result != nil {
		if _, err := r.store(ctx, result); err != nil {
			return err
		}
	}
	r.settle(ctx, d.RawID)
	return nil
}

// store writes result with SET NX so the first terminal result wins, then updates
// the job record and announces completion. It reports whether result was stored.
func (r *RedisQueue) store(ctx context.Context, result *domain.CompileResult) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal result: %w", err)
	}

	ttl := r.opts.ResultTTL
	stored, err := r.client.SetNX(ctx, resultKey(result.JobID), data, ttl).Result()
	if err != nil {
		return false, domain.WrapError(err, domain.KindQueue, "redis store result failed")
	}
	if !stored {
		r.logger.Debug("Result already recorded", logfields.JobID(result.JobID), logfields.Attempt(result.Attempt))
		return false, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(result.JobID),
			"status", string(result.Outcome.Status()),
			"attempt", result.Attempt,
		)
		pipe.Expire(ctx, jobKey(result.JobID), ttl)
		pipe.Publish(ctx, resultsChannel, result.JobID)
		return nil
	})
	if err != nil {
		return true, domain.WrapError(err, domain.KindQueue, "redis update job failed")
	}
	return true, nil
}

// settle acknowledges and deletes a stream entry.
func (r *RedisQueue) settle(ctx context.Context, rawID string) {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, r.stream, r.group, rawID)
		pipe.XDel(ctx, r.stream, rawID)
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to acknowledge entry", logfields.RawID(rawID), logfields.Error(err))
	}
}

func (r *RedisQueue) exhaust(ctx context.Context, jobID, rawID string, attempts int) {
	r.recorder.IncRetryExhausted()
	r.logger.Warn("Retries exhausted", logfields.JobID(jobID), logfields.RawID(rawID), logfields.Attempt(attempts))
	if jobID != "" {
		if _, err := r.store(ctx, domain.RetryExhaustedResult(jobID, attempts)); err != nil {
			r.logger.Error("Failed to record exhausted job", logfields.JobID(jobID), logfields.Error(err))
			return
		}
	}
	r.settle(ctx, rawID)
}

// Status reads the job record.
func (r *RedisQueue) Status(ctx context.Context, jobID string) (*domain.CompileJob, error) {
	fields, err := r.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, domain.WrapError(err, domain.KindQueue, "redis status failed")
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}

	job := &domain.CompileJob{
		ID:     jobID,
		Status: domain.Status(fields["status"]),
		Owner:  fields["owner"],
	}
	job.Attempt, _ = strconv.Atoi(fields["attempt"])
	job.SubmittedAt, _ = time.Parse(time.RFC3339Nano, fields["submitted_at"])
	return job, nil
}

// Result reads the stored terminal result.
func (r *RedisQueue) Result(ctx context.Context, jobID string) (*domain.CompileResult, error) {
	data, err := r.client.Get(ctx, resultKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		n, err := r.client.Exists(ctx, jobKey(jobID)).Result()
		if err != nil {
			return nil, domain.WrapError(err, domain.KindQueue, "redis result failed")
		}
		if n == 0 {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrPending
	}
	if err != nil {
		return nil, domain.WrapError(err, domain.KindQueue, "redis result failed")
	}

	var result domain.CompileResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// Cancel cancels a queued job atomically, or broadcasts a cancel signal for a running one.
func (r *RedisQueue) Cancel(ctx context.Context, jobID string) (domain.Status, error) {
	seen, err := cancelScript.Run(ctx, r.client, []string{jobKey(jobID)}).Text()
	if err != nil {
		return "", domain.WrapError(err, domain.KindQueue, "redis cancel failed")
	}

	switch seen {
	case "missing":
		return "", domain.ErrNotFound
	case "cancelled_now":
		if _, err := r.store(ctx, domain.CancelledResult(jobID, 0)); err != nil {
			return "", err
		}
		return domain.StatusCancelled, nil
	case string(domain.StatusRunning):
		if err := r.client.Publish(ctx, cancelChannel, jobID).Err(); err != nil {
			return "", domain.WrapError(err, domain.KindQueue, "redis cancel failed")
		}
		return domain.StatusRunning, nil
	default:
		return domain.Status(seen), domain.ErrAlreadyTerminal
	}
}

// CancelSignals subscribes to cancel requests.
func (r *RedisQueue) CancelSignals(ctx context.Context) (<-chan string, error) {
	return r.subscribe(ctx, cancelChannel)
}

// SubscribeResults subscribes to completion announcements.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan string, error) {
	return r.subscribe(ctx, resultsChannel)
}

// subscribe streams payloads published on channel until ctx is done.
func (r *RedisQueue) subscribe(ctx context.Context, channel string) (<-chan string, error) {
	// Create the PubSub connection
	pubsub := r.client.Subscribe(ctx, channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, domain.WrapError(err, domain.KindQueue, "failed to subscribe to "+channel)
	}

	outCh := make(chan string, subscriberBufferSize)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case outCh <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}

// Recover fails pending entries that are idle past the lease and out of attempts.
// Entries with attempts left are picked up by the next Claim.
func (r *RedisQueue) Recover(ctx context.Context) (int, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.stream,
		Group:  r.group,
		Idle:   r.opts.Lease,
		Start:  "-",
		End:    "+",
		Count:  recoverBatch,
	}).Result()
	if err != nil {
		return 0, domain.WrapError(err, domain.KindQueue, "redis recover failed")
	}

	n := 0
	for _, p := range pending {
		if int(p.RetryCount) < r.opts.MaxAttempts {
			continue
		}
		jobID := ""
		if msgs, err := r.client.XRange(ctx, r.stream, p.ID, p.ID).Result(); err == nil && len(msgs) > 0 {
			if val, ok := msgs[0].Values["job"].(string); ok {
				var job domain.CompileJob
				if json.Unmarshal([]byte(val), &job) == nil {
					jobID = job.ID
				}
			}
		}
		r.exhaust(ctx, jobID, p.ID, r.opts.MaxAttempts)
		n++
	}
	return n, nil
}

// Close releases the Redis connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}
