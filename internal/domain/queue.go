package domain

import "context"

// Delivery is a leased hand-off of one job attempt to one consumer.
type Delivery struct {
	Job      CompileJob
	Attempt  int
	Consumer string

	// RawID is the broker's message identifier (stream entry id, stream sequence).
	// Adapters need it to heartbeat and acknowledge.
	RawID string
}

// JobQueue defines the contract for the durable job hand-off.
// It decouples the gateway and workers from the underlying broker (Redis, NATS, in-memory).
// Implementations must be safe for concurrent use by many producers and consumers.
type JobQueue interface {
	// Publish records the job as queued and makes it deliverable.
	Publish(ctx context.Context, job CompileJob) error

	// Claim blocks until a job is available and returns it under an exclusive lease
	// held by consumer. Expired leases are redelivered until the attempt limit is hit.
	Claim(ctx context.Context, consumer string) (*Delivery, error)

	// Begin transitions the delivered job to running. It returns ErrJobCancelled if the
	// job was cancelled between delivery and start.
	Begin(ctx context.Context, d *Delivery) error

	// Heartbeat extends the lease. ErrLeaseLost means another consumer may own the job.
	Heartbeat(ctx context.Context, d *Delivery) error

	// Complete stores the result (first terminal result wins), acknowledges the
	// delivery and announces completion.
	Complete(ctx context.Context, d *Delivery, result *CompileResult) error

	// Status returns the job record without its source.
	Status(ctx context.Context, jobID string) (*CompileJob, error)

	// Result returns the terminal result, ErrPending if not yet produced, or ErrNotFound.
	Result(ctx context.Context, jobID string) (*CompileResult, error)

	// Cancel marks a queued job cancelled, or signals the owning worker of a running job.
	// It returns the job status after the request was applied.
	Cancel(ctx context.Context, jobID string) (Status, error)

	// CancelSignals streams ids of running jobs whose cancellation was requested.
	CancelSignals(ctx context.Context) (<-chan string, error)

	// SubscribeResults streams ids of jobs that just reached a terminal result.
	SubscribeResults(ctx context.Context) (<-chan string, error)

	// Recover runs one sweep over expired leases, failing jobs that exhausted their
	// attempts. It returns the number of jobs it acted on.
	Recover(ctx context.Context) (int, error)

	Close() error
}
