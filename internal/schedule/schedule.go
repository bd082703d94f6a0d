// Package schedule triggers periodic incremental crawls of auto-refresh sources.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSpec runs the refresh every day at 03:00 UTC.
const DefaultSpec = "0 3 * * *"

// Refresher submits the crawls that are due.
type Refresher interface {
	RefreshDue(ctx context.Context) (int, error)
}

// Scheduler wraps a cron runner with a single refresh entry.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	timeout   time.Duration
	logger    *zap.Logger
}

// New parses spec and registers the refresh job. Overlapping runs are skipped.
func New(spec string, refresher Refresher, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec == "" {
		spec = DefaultSpec
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	s := &Scheduler{
		refresher: refresher,
		timeout:   timeout,
		logger:    logger.Named("schedule"),
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running refresh or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce submits due refreshes immediately and returns how many were queued.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.refresher.RefreshDue(ctx)
	if err != nil {
		s.logger.Error("refresh due sources", zap.Int("submitted", n), zap.Error(err))
		return n
	}
	s.logger.Info("refresh submitted", zap.Int("submitted", n))
	return n
}
