package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a CompileJob.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// validTransitions maps each status to the statuses it may move to.
// Running -> Running is allowed: a redelivered attempt re-enters running.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusRunning:   true,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether a job may move from one status to another.
func ValidTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// CompileJob is one compilation request and its lifecycle state.
type CompileJob struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      Status    `json:"status"`
	Attempt     int       `json:"attempt"`

	// Owner is an opaque caller identity attached by an upstream auth layer.
	Owner string `json:"owner,omitempty"`
}

// NewJob creates a queued job with a server-generated id.
func NewJob(source, owner string, now time.Time) CompileJob {
	return CompileJob{
		ID:          NewJobID(),
		Source:      source,
		SubmittedAt: now.UTC(),
		Status:      StatusQueued,
		Owner:       owner,
	}
}

// NewJobID returns a fresh random job identifier. Ids are never derived from caller input.
func NewJobID() string {
	return uuid.NewString()
}

// Outcome is the terminal classification of an attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Status maps an outcome onto the job status it produces.
func (o Outcome) Status() Status {
	switch o {
	case OutcomeSucceeded:
		return StatusSucceeded
	case OutcomeCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Diagnostic is a structured error extracted from the engine log.
type Diagnostic struct {
	Message string `json:"message"`
	// Line is the 1-based source line, nil when the log did not reference one.
	Line *int `json:"line,omitempty"`
}

// CompileResult is the immutable outcome of a terminal attempt.
type CompileResult struct {
	JobID       string       `json:"job_id"`
	Attempt     int          `json:"attempt"`
	Outcome     Outcome      `json:"outcome"`
	Kind        ErrorKind    `json:"kind,omitempty"`
	Artifact    []byte       `json:"artifact,omitempty"`
	ContentType string       `json:"content_type,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Log         string       `json:"log,omitempty"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// Succeeded reports whether the result carries an artifact.
func (r *CompileResult) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeSucceeded
}

// FailedResult builds a terminal failure with a single diagnostic message.
func FailedResult(jobID string, attempt int, kind ErrorKind, message string) *CompileResult {
	return &CompileResult{
		JobID:       jobID,
		Attempt:     attempt,
		Outcome:     OutcomeFailed,
		Kind:        kind,
		Diagnostics: []Diagnostic{{Message: message}},
		FinishedAt:  time.Now().UTC(),
	}
}

// CancelledResult builds the terminal result of a cancelled job.
func CancelledResult(jobID string, attempt int) *CompileResult {
	return &CompileResult{
		JobID:       jobID,
		Attempt:     attempt,
		Outcome:     OutcomeCancelled,
		Kind:        KindCancelled,
		Diagnostics: []Diagnostic{{Message: "job cancelled"}},
		FinishedAt:  time.Now().UTC(),
	}
}

// RetryExhaustedResult is recorded when a job's leases expired too many times.
func RetryExhaustedResult(jobID string, attempts int) *CompileResult {
	return FailedResult(jobID, attempts, KindRetryExhausted, "RetryExhausted: job lease expired after maximum attempts")
}
