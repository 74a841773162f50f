package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/dontdude/goxtex/internal/logfields"
)

// Sweeper periodically removes orphaned workspaces.
type Sweeper struct {
	scheduler gocron.Scheduler
	manager   *Manager
	olderThan time.Duration
}

// NewSweeper schedules a sweep every interval for workspaces older than olderThan.
func NewSweeper(m *Manager, interval, olderThan time.Duration) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	sw := &Sweeper{scheduler: s, manager: m, olderThan: olderThan}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sw.sweep),
		gocron.WithName("workspace-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to schedule workspace sweep: %w", err)
	}
	return sw, nil
}

// Start runs one sweep immediately, to recover from a previous crash, then starts
// the schedule. The scheduler stops when ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.sweep()
	s.scheduler.Start()

	go func() {
		<-ctx.Done()
		if err := s.scheduler.Shutdown(); err != nil {
			s.manager.logger.Warn("Workspace sweeper shutdown failed", logfields.Error(err))
		}
	}()
}

func (s *Sweeper) sweep() {
	n, err := s.manager.Sweep(s.olderThan)
	if err != nil {
		s.manager.logger.Error("Workspace sweep failed", logfields.Error(err))
	}
	if n > 0 {
		s.manager.logger.Info("Workspace sweep finished", "removed", n)
	}
}
