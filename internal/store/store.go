// Package store archives terminal compile results so they outlive the broker's
// result TTL and can be listed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dontdude/goxtex/internal/domain"
)

// ErrNotFound is returned when no archived record exists for a job.
var ErrNotFound = errors.New("record not found")

// Record is the archived summary of a terminal result. Artifacts are not archived.
type Record struct {
	JobID         string              `json:"job_id"`
	Outcome       domain.Outcome      `json:"outcome"`
	Kind          domain.ErrorKind    `json:"kind,omitempty"`
	Attempt       int                 `json:"attempt"`
	Diagnostics   []domain.Diagnostic `json:"diagnostics"`
	ArtifactBytes int                 `json:"artifact_bytes"`
	FinishedAt    time.Time           `json:"finished_at"`
	ArchivedAt    time.Time           `json:"archived_at"`
}

// NewRecord summarizes result for archiving.
func NewRecord(result *domain.CompileResult, now time.Time) *Record {
	diags := result.Diagnostics
	if diags == nil {
		diags = []domain.Diagnostic{}
	}
	return &Record{
		JobID:         result.JobID,
		Outcome:       result.Outcome,
		Kind:          result.Kind,
		Attempt:       result.Attempt,
		Diagnostics:   diags,
		ArtifactBytes: len(result.Artifact),
		FinishedAt:    result.FinishedAt.UTC(),
		ArchivedAt:    now.UTC(),
	}
}

// Store defines the persistence operations for archived results.
type Store interface {
	// SaveResult archives a record; a second save for the same job is ignored.
	SaveResult(ctx context.Context, r *Record) error
	GetResult(ctx context.Context, jobID string) (*Record, error)
	// ListResults returns records newest first along with the total count.
	ListResults(ctx context.Context, limit, offset int) ([]*Record, int, error)
	Close() error
}
