// Package housekeeping runs periodic maintenance jobs on a cron schedule.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type idempotencyCleaner interface {
	CleanExpired(ctx context.Context) (int64, error)
}

const jobTimeout = time.Minute

type Scheduler struct {
	cron     *cron.Cron
	cleaner  idempotencyCleaner
	logger   *slog.Logger
	schedule string
}

func NewScheduler(cleaner idempotencyCleaner, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		cleaner:  cleaner,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the scheduler. An invalid schedule is
// returned to the caller rather than logged.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.CleanIdempotencyCache); err != nil {
		return err
	}
	s.logger.Info("scheduled idempotency cache cleanup", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop halts scheduling; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) CleanIdempotencyCache() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.cleaner.CleanExpired(ctx)
	if err != nil {
		s.logger.Error("idempotency cache cleanup failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("idempotency cache cleaned", "removed", n)
	}
}
