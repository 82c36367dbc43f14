// Package retention runs the periodic sweeps the JobStore contract
// names but never drives itself: purging jobs whose retention window
// has elapsed, and surfacing the count of unresolved ErrorLogs for operator
// follow-up. It wraps gocron the same way the teacher's scheduler
// package wraps it for policy ticks — one gocron job per sweep, each
// independently tagged so it can be stopped or re-scheduled on its own.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/voxpipe/transcribeq/internal/jobstore"
)

// Sweeper periodically purges eligible Job rows and logs the count of
// unresolved errors, whatever their age, so an operator dashboard (or just the logs)
// can flag a growing backlog.
type Sweeper struct {
	cron   gocron.Scheduler
	store  *jobstore.Store
	logger *zap.Logger
}

// New builds a Sweeper. Call Start to begin running its sweeps.
func New(store *jobstore.Store, logger *zap.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("retention: failed to create gocron scheduler: %w", err)
	}
	return &Sweeper{cron: s, store: store, logger: logger.Named("retention")}, nil
}

// Start schedules the purge sweep (every purgeInterval) and the stale
// unresolved-error report (every staleErrorInterval), then starts the
// underlying gocron scheduler.
func (s *Sweeper) Start(purgeInterval, staleErrorInterval time.Duration) error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(purgeInterval),
		gocron.NewTask(s.runPurge),
		gocron.WithTags("job-retention-purge"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("retention: failed to schedule purge sweep: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(staleErrorInterval),
		gocron.NewTask(s.reportStaleErrors),
		gocron.WithTags("error-log-report"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("retention: failed to schedule error-log report: %w", err)
	}

	s.cron.Start()
	s.logger.Info("retention sweeper started",
		zap.Duration("purge_interval", purgeInterval),
		zap.Duration("stale_error_interval", staleErrorInterval),
	)
	return nil
}

// Stop waits for any in-flight sweep to finish, then shuts gocron down.
func (s *Sweeper) Stop() error {
	return s.cron.Shutdown()
}

func (s *Sweeper) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	purged, err := s.store.Jobs.PurgeEligible(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("retention purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("retention purge completed", zap.Int64("purged", purged))
	}
}

func (s *Sweeper) reportStaleErrors() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, total, err := s.store.ErrorLogs.ListUnresolved(ctx, 1, 0)
	if err != nil {
		s.logger.Error("failed to count unresolved errors", zap.Error(err))
		return
	}
	if total > 0 {
		s.logger.Warn("unresolved error backlog", zap.Int64("total", total))
	}
}
