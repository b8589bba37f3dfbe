package transfer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/josh-kwaku/crossledger/internal/domain"
	"github.com/josh-kwaku/crossledger/internal/logging"
	"github.com/josh-kwaku/crossledger/internal/metrics"
)

type staleLister interface {
	ListStale(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error)
}

type resumer interface {
	Resume(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
}

// Sweeper periodically resumes transfers whose deadline has passed without
// reaching a terminal state.
type Sweeper struct {
	transfers   staleLister
	coordinator resumer
	logger      *slog.Logger
	interval    time.Duration
	batch       int
	concurrency int
	now         func() time.Time
}

func NewSweeper(
	transfers staleLister,
	coordinator resumer,
	logger *slog.Logger,
	interval time.Duration,
	batch int,
	concurrency int,
) *Sweeper {
	return &Sweeper{
		transfers:   transfers,
		coordinator: coordinator,
		logger:      logger,
		interval:    interval,
		batch:       batch,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval, "batch", s.batch)

	// Pick up whatever a previous process left in flight before waiting a full interval.
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce resumes one batch of stale transfers and returns how many were
// picked up. Failures on individual transfers are logged and do not stop the
// batch.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	metrics.SweepRuns.Inc()

	stale, err := s.transfers.ListStale(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, t := range stale {
		id := t.ID
		g.Go(func() error {
			log := s.logger.With("transfer_id", id)
			rctx := logging.WithLogger(gctx, log)

			got, err := s.coordinator.Resume(rctx, id)
			switch {
			case errors.Is(err, domain.ErrStoreConflict):
				log.Debug("transfer busy, skipping")
			case err != nil:
				log.Error("resume failed", "error", err)
			default:
				metrics.SweepResumed.Inc()
				log.Info("transfer resumed", "step", got.Step, "state", got.State)
			}
			return nil
		})
	}
	_ = g.Wait()

	return len(stale), nil
}
