package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/goxtex/internal/domain"
)

// RunRecovery periodically calls q.Recover until ctx is done.
func RunRecovery(ctx context.Context, q domain.JobQueue, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Starting lease recovery routine", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Recover(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("Recovery sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Recovered expired leases", "count", n)
			}
		}
	}
}
