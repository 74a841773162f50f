// Package gateway holds the submission logic behind the HTTP API: validation,
// enqueueing with retry, and waiting for results in sync mode.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
	"github.com/dontdude/goxtex/internal/metrics"
	"github.com/dontdude/goxtex/internal/retry"
)

var (
	// ErrEmptySource is returned when neither inline source nor a file carries content.
	ErrEmptySource = errors.New("source is empty")
	// ErrWaitTimeout is returned by Compile when the sync wait bound elapses. The job
	// keeps running and can be polled with the returned handle.
	ErrWaitTimeout = errors.New("timed out waiting for result")
)

// allowedExtensions lists accepted upload file extensions.
var allowedExtensions = map[string]bool{
	".tex": true,
	".ltx": true,
}

// Submission is one compile request as received from a client.
type Submission struct {
	// Source is inline document text. It wins over an uploaded file.
	Source string
	// FileName and File hold an uploaded file, if any.
	FileName string
	File     []byte
	// Owner is the opaque caller identity tag.
	Owner string
}

// Handle identifies an accepted job.
type Handle struct {
	JobID  string        `json:"job_id"`
	Status domain.Status `json:"status"`
}

// Options configure a Gateway.
type Options struct {
	MaxUploadBytes int64
	MaxSyncWait    time.Duration
	Publish        retry.Policy
}

// Gateway validates submissions and talks to the queue.
type Gateway struct {
	queue    domain.JobQueue
	hub      *ResultHub
	opts     Options
	recorder metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Gateway. hub must be running for Compile to observe results promptly.
func New(q domain.JobQueue, hub *ResultHub, opts Options, recorder metrics.Recorder, logger *slog.Logger) *Gateway {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.MaxSyncWait <= 0 {
		opts.MaxSyncWait = 30 * time.Second
	}
	if opts.Publish.Validate() != nil {
		opts.Publish = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		queue:    q,
		hub:      hub,
		opts:     opts,
		recorder: metrics.OrNoop(recorder),
		logger:   logger,
		now:      time.Now,
	}
}

// Validate resolves the submission to document source or returns a validation error.
func (g *Gateway) Validate(sub Submission) (string, error) {
	source := sub.Source
	if strings.TrimSpace(source) == "" && sub.File != nil {
		ext := strings.ToLower(filepath.Ext(sub.FileName))
		if !allowedExtensions[ext] {
			return "", domain.WrapError(domain.ErrUnsupportedInput, domain.KindValidation,
				fmt.Sprintf("file type %q is not accepted, use .tex or .ltx", ext))
		}
		if !utf8.Valid(sub.File) || bytes.IndexByte(sub.File, 0) >= 0 {
			return "", domain.WrapError(domain.ErrUnsupportedInput, domain.KindValidation, "file is not UTF-8 text")
		}
		source = string(sub.File)
	}

	if int64(len(source)) > g.opts.MaxUploadBytes {
		return "", domain.WrapError(domain.ErrSourceTooLarge, domain.KindValidation,
			fmt.Sprintf("source exceeds %d bytes", g.opts.MaxUploadBytes))
	}
	if strings.TrimSpace(source) == "" {
		return "", domain.WrapError(ErrEmptySource, domain.KindValidation, "source is required")
	}
	return source, nil
}

// Submit validates and enqueues the submission. Broker errors are retried with
// backoff and surface as a queue error once the policy is exhausted.
func (g *Gateway) Submit(ctx context.Context, sub Submission) (Handle, error) {
	source, err := g.Validate(sub)
	if err != nil {
		return Handle{}, err
	}

	job := domain.NewJob(source, sub.Owner, g.now())
	log := g.logger.With(logfields.JobID(job.ID))

	err = g.opts.Publish.Do(ctx, func(ctx context.Context) error {
		return g.queue.Publish(ctx, job)
	}, func(attempt int, err error) {
		g.recorder.IncPublishRetry()
		log.Warn("Publish failed, retrying", "retry", attempt, logfields.Error(err))
	})
	if err != nil {
		log.Error("Failed to publish job", logfields.Error(err))
		return Handle{}, domain.WrapError(err, domain.KindQueue, "failed to enqueue job")
	}

	log.Info("Received submission", "bytes", len(source))
	return Handle{JobID: job.ID, Status: domain.StatusQueued}, nil
}

// Compile submits and blocks until the result is available or MaxSyncWait elapses.
// On timeout it returns ErrWaitTimeout together with the handle.
func (g *Gateway) Compile(ctx context.Context, sub Submission) (*domain.CompileResult, Handle, error) {
	h, err := g.Submit(ctx, sub)
	if err != nil {
		return nil, Handle{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.opts.MaxSyncWait)
	defer cancel()

	res, err := g.hub.Wait(waitCtx, h.JobID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, h, ErrWaitTimeout
		}
		return nil, h, err
	}
	return res, h, nil
}

// Status returns the job record.
func (g *Gateway) Status(ctx context.Context, jobID string) (*domain.CompileJob, error) {
	return g.queue.Status(ctx, jobID)
}

// Result returns the terminal result, domain.ErrPending, or domain.ErrNotFound.
func (g *Gateway) Result(ctx context.Context, jobID string) (*domain.CompileResult, error) {
	return g.queue.Result(ctx, jobID)
}

// Wait blocks until the job has a result or ctx is done.
func (g *Gateway) Wait(ctx context.Context, jobID string) (*domain.CompileResult, error) {
	return g.hub.Wait(ctx, jobID)
}

// Cancel requests cancellation and returns the resulting status.
func (g *Gateway) Cancel(ctx context.Context, jobID string) (domain.Status, error) {
	st, err := g.queue.Cancel(ctx, jobID)
	if err == nil {
		g.logger.Info("Cancel requested", logfields.JobID(jobID), logfields.Status(string(st)))
	}
	return st, err
}
