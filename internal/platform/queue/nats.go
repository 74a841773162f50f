package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
	"github.com/dontdude/goxtex/internal/metrics"
)

const (
	natsStream      = "GOXTEX_JOBS"
	natsJobSubject  = "goxtex.jobs"
	natsConsumer    = "goxtex-workers"
	natsJobBucket   = "goxtex_jobs"
	natsResultBkt   = "goxtex_results"
	natsResultsSubj = "goxtex.results"
	natsCancelSubj  = "goxtex.cancel"

	natsFetchWait     = 2 * time.Second
	natsUpdateRetries = 5
)

// NATSOptions configures a NATSQueue.
type NATSOptions struct {
	Options
	URL string
}

// NATSQueue implements domain.JobQueue on a JetStream work-queue stream.
// The durable consumer's AckWait is the lease; InProgress extends it and
// NumDelivered is the attempt number. Job records and results are kept in KV buckets.
type NATSQueue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	jobs     jetstream.KeyValue
	results  jetstream.KeyValue
	opts     Options

	mu       sync.Mutex
	inflight map[string]jetstream.Msg

	recorder metrics.Recorder
	logger   *slog.Logger
}

var _ domain.JobQueue = (*NATSQueue)(nil)

// NewNATSQueue connects to NATS and declares the stream, consumer and buckets.
func NewNATSQueue(ctx context.Context, opts NATSOptions) (*NATSQueue, error) {
	conn, err := nats.Connect(opts.URL, nats.Name("goxtex"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}

	base := opts.Options.withDefaults()
	q := &NATSQueue{
		conn:     conn,
		js:       js,
		opts:     base,
		inflight: make(map[string]jetstream.Msg),
		recorder: base.Recorder,
		logger:   base.Logger,
	}
	if err := q.declare(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *NATSQueue) declare(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      natsStream,
		Subjects:  []string{natsJobSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	q.consumer, err = q.js.CreateOrUpdateConsumer(ctx, natsStream, jetstream.ConsumerConfig{
		Durable:   natsConsumer,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   q.opts.Lease,
		// One extra delivery lets the consumer observe exhaustion and record it.
		MaxDeliver: q.opts.MaxAttempts + 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	q.jobs, err = q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  natsJobBucket,
		History: 1,
		TTL:     q.opts.ResultTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create job bucket: %w", err)
	}
	q.results, err = q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  natsResultBkt,
		History: 1,
		TTL:     q.opts.ResultTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create result bucket: %w", err)
	}
	return nil
}

// Publish records the job in the job bucket and appends it to the stream.
func (q *NATSQueue) Publish(ctx context.Context, job domain.CompileJob) error {
	job.Status = domain.StatusQueued
	job.Attempt = 0

	record := job
	record.Source = ""
	state, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	// A retried publish finds the record from the previous try.
	if _, err := q.jobs.Create(ctx, job.ID, state); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return domain.WrapError(err, domain.KindQueue, "nats publish failed")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := q.js.Publish(ctx, natsJobSubject, data); err != nil {
		return domain.WrapError(err, domain.KindQueue, "nats publish failed")
	}
	return nil
}

// Claim fetches one message at a time so a lease is never held by a job that is
// only waiting in a local buffer.
func (q *NATSQueue) Claim(ctx context.Context, consumer string) (*domain.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Error("NATS fetch error", logfields.Worker(consumer), logfields.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(errorBackoff):
			}
			continue
		}

		for msg := range batch.Messages() {
			if d := q.accept(ctx, consumer, msg); d != nil {
				return d, nil
			}
		}
	}
}

func (q *NATSQueue) accept(ctx context.Context, consumer string, msg jetstream.Msg) *domain.Delivery {
	meta, err := msg.Metadata()
	if err != nil {
		q.logger.Error("Invalid message metadata", logfields.Error(err))
		_ = msg.Term()
		return nil
	}

	var job domain.CompileJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("Failed to unmarshal job", logfields.Error(err))
		_ = msg.Term()
		return nil
	}

	if current, err := q.Status(ctx, job.ID); err == nil && current.Status.Terminal() {
		_ = msg.Ack()
		return nil
	}

	attempt := int(meta.NumDelivered)
	if attempt > 1 {
		q.recorder.IncRedelivery()
	}
	if attempt > q.opts.MaxAttempts {
		q.recorder.IncRetryExhausted()
		q.logger.Warn("Retries exhausted", logfields.JobID(job.ID), logfields.Attempt(q.opts.MaxAttempts))
		if _, err := q.store(ctx, domain.RetryExhaustedResult(job.ID, q.opts.MaxAttempts)); err != nil {
			q.logger.Error("Failed to record exhausted job", logfields.JobID(job.ID), logfields.Error(err))
		}
		_ = msg.Term()
		return nil
	}

	rawID := strconv.FormatUint(meta.Sequence.Stream, 10) + "." + strconv.Itoa(attempt)
	q.mu.Lock()
	q.inflight[rawID] = msg
	q.mu.Unlock()

	return &domain.Delivery{
		Job:      job,
		Attempt:  attempt,
		Consumer: consumer,
		RawID:    rawID,
	}
}

// update applies fn to the job record with optimistic concurrency on the KV revision.
func (q *NATSQueue) update(ctx context.Context, jobID string, fn func(job *domain.CompileJob) error) (*domain.CompileJob, error) {
	for i := 0; i < natsUpdateRetries; i++ {
		entry, err := q.jobs.Get(ctx, jobID)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, domain.ErrNotFound
		}
		if err != nil {
			return nil, domain.WrapError(err, domain.KindQueue, "nats read job failed")
		}

		var job domain.CompileJob
		if err := json.Unmarshal(entry.Value(), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if err := fn(&job); err != nil {
			return &job, err
		}

		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job: %w", err)
		}
		if _, err := q.jobs.Update(ctx, jobID, data, entry.Revision()); err == nil {
			return &job, nil
		}
	}
	return nil, domain.NewError(domain.KindQueue, "too many concurrent updates to job "+jobID)
}

// Begin moves the job to running unless it was cancelled or already finished.
func (q *NATSQueue) Begin(ctx context.Context, d *domain.Delivery) error {
	_, err := q.update(ctx, d.Job.ID, func(job *domain.CompileJob) error {
		switch {
		case job.Status == domain.StatusCancelled:
			return domain.ErrJobCancelled
		case job.Status.Terminal():
			return domain.ErrAlreadyTerminal
		}
		job.Status = domain.StatusRunning
		job.Attempt = d.Attempt
		return nil
	})
	return err
}

// Heartbeat resets the AckWait timer of the in-flight message.
func (q *NATSQueue) Heartbeat(ctx context.Context, d *domain.Delivery) error {
	q.mu.Lock()
	msg, ok := q.inflight[d.RawID]
	q.mu.Unlock()
	if !ok {
		return domain.ErrLeaseLost
	}
	if job, err := q.Status(ctx, d.Job.ID); err == nil && job.Status.Terminal() {
		return domain.ErrLeaseLost
	}
	if err := msg.InProgress(); err != nil {
		return domain.WrapError(err, domain.KindQueue, "nats heartbeat failed")
	}
	return nil
}

// Complete stores the first result for the job and acknowledges the message.
func (q *NATSQueue) Complete(ctx context.Context, d *domain.Delivery, result *domain.CompileResult) error {
	if result != nil {
		if _, err := q.store(ctx, result); err != nil {
			return err
		}
	}

	q.mu.Lock()
	msg, ok := q.inflight[d.RawID]
	delete(q.inflight, d.RawID)
	q.mu.Unlock()
	if ok {
		if err := msg.Ack(); err != nil {
			q.logger.Error("Failed to acknowledge message", logfields.RawID(d.RawID), logfields.Error(err))
		}
	}
	return nil
}

// store writes result with Create so the first terminal result wins.
func (q *NATSQueue) store(ctx context.Context, result *domain.CompileResult) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal result: %w", err)
	}
	if _, err := q.results.Create(ctx, result.JobID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, domain.WrapError(err, domain.KindQueue, "nats store result failed")
	}

	_, err = q.update(ctx, result.JobID, func(job *domain.CompileJob) error {
		job.Status = result.Outcome.Status()
		job.Attempt = result.Attempt
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return true, err
	}
	if err := q.conn.Publish(natsResultsSubj, []byte(result.JobID)); err != nil {
		return true, domain.WrapError(err, domain.KindQueue, "nats announce result failed")
	}
	return true, nil
}

// Status reads the job record.
func (q *NATSQueue) Status(ctx context.Context, jobID string) (*domain.CompileJob, error) {
	entry, err := q.jobs.Get(ctx, jobID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.WrapError(err, domain.KindQueue, "nats status failed")
	}
	var job domain.CompileJob
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Result reads the stored terminal result.
func (q *NATSQueue) Result(ctx context.Context, jobID string) (*domain.CompileResult, error) {
	entry, err := q.results.Get(ctx, jobID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		if _, err := q.Status(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, domain.ErrPending
	}
	if err != nil {
		return nil, domain.WrapError(err, domain.KindQueue, "nats result failed")
	}
	var result domain.CompileResult
	if err := json.Unmarshal(entry.Value(), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// Cancel cancels a queued job, or broadcasts a cancel signal for a running one.
func (q *NATSQueue) Cancel(ctx context.Context, jobID string) (domain.Status, error) {
	var cancelledNow bool
	job, err := q.update(ctx, jobID, func(job *domain.CompileJob) error {
		cancelledNow = false
		switch {
		case job.Status.Terminal():
			return domain.ErrAlreadyTerminal
		case job.Status == domain.StatusQueued:
			job.Status = domain.StatusCancelled
			cancelledNow = true
		}
		return nil
	})
	if err != nil {
		if job != nil {
			return job.Status, err
		}
		return "", err
	}

	if cancelledNow {
		if _, err := q.store(ctx, domain.CancelledResult(jobID, job.Attempt)); err != nil {
			return "", err
		}
		return domain.StatusCancelled, nil
	}
	if err := q.conn.Publish(natsCancelSubj, []byte(jobID)); err != nil {
		return "", domain.WrapError(err, domain.KindQueue, "nats cancel failed")
	}
	return job.Status, nil
}

// CancelSignals subscribes to cancel requests.
func (q *NATSQueue) CancelSignals(ctx context.Context) (<-chan string, error) {
	return q.subscribe(ctx, natsCancelSubj)
}

// SubscribeResults subscribes to completion announcements.
func (q *NATSQueue) SubscribeResults(ctx context.Context) (<-chan string, error) {
	return q.subscribe(ctx, natsResultsSubj)
}

func (q *NATSQueue) subscribe(ctx context.Context, subject string) (<-chan string, error) {
	msgs := make(chan *nats.Msg, subscriberBufferSize)
	sub, err := q.conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, domain.WrapError(err, domain.KindQueue, "failed to subscribe to "+subject)
	}

	outCh := make(chan string, subscriberBufferSize)
	go func() {
		defer close(outCh)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				select {
				case outCh <- string(msg.Data):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}

// Recover is a no-op: JetStream redelivers after AckWait on its own and exhaustion
// is recorded when the extra delivery arrives.
func (q *NATSQueue) Recover(context.Context) (int, error) {
	return 0, nil
}

// Close drains the connection.
func (q *NATSQueue) Close() error {
	return q.conn.Drain()
}
