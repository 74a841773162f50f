package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/goxtex/internal/domain"
	"github.com/dontdude/goxtex/internal/logfields"
	"github.com/dontdude/goxtex/internal/store"
)

// ResultSaver is the part of store.Store the archiver needs.
type ResultSaver interface {
	SaveResult(ctx context.Context, r *store.Record) error
}

// Archiver copies terminal results into a Store.
type Archiver struct {
	queue  domain.JobQueue
	store  ResultSaver
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver. Register its Archive method with ResultHub.OnResult.
func NewArchiver(q domain.JobQueue, s ResultSaver, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{queue: q, store: s, logger: logger, now: time.Now}
}

// Archive saves the result of jobID; failures are logged.
func (a *Archiver) Archive(ctx context.Context, jobID string) {
	res, err := a.queue.Result(ctx, jobID)
	if err != nil {
		a.logger.Warn("Result not available for archiving", logfields.JobID(jobID), logfields.Error(err))
		return
	}
	if err := a.store.SaveResult(ctx, store.NewRecord(res, a.now())); err != nil {
		a.logger.Error("Failed to archive result", logfields.JobID(jobID), logfields.Error(err))
	}
}
