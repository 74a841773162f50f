package queue

import (
	"log/slog"
	"time"

	"github.com/dontdude/goxtex/internal/metrics"
)

const (
	DefaultLease       = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultResultTTL   = time.Hour
)

// Options are shared by all queue implementations.
type Options struct {
	// Lease is how long a claim stays exclusive without a heartbeat.
	Lease time.Duration
	// MaxAttempts is the number of deliveries before a job fails with RetryExhausted.
	MaxAttempts int
	// ResultTTL is how long job records and results stay in the broker.
	ResultTTL time.Duration

	Recorder metrics.Recorder
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = DefaultResultTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Recorder = metrics.OrNoop(o.Recorder)
	return o
}
