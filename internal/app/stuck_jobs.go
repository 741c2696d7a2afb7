package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealerline/commsworker/internal/adapter/observability"
)

// StaleRequeuer returns processing rows older than maxAge to pending.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// StuckJobSweeper recovers jobs abandoned by a crashed worker: rows stuck in
// processing beyond the visibility timeout are flipped back to pending so the
// next claim cycle picks them up.
type StuckJobSweeper struct {
	store         StaleRequeuer
	logger        *slog.Logger
	maxAge        time.Duration
	sweepInterval time.Duration
}

// NewStuckJobSweeper constructs the sweeper with sane defaults when the
// durations are unset.
func NewStuckJobSweeper(store StaleRequeuer, logger *slog.Logger, maxAge, sweepInterval time.Duration) *StuckJobSweeper {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &StuckJobSweeper{
		store:         store,
		logger:        logger,
		maxAge:        maxAge,
		sweepInterval: sweepInterval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "sweeper.sweepOnce")
	defer span.End()

	n, err := s.store.RequeueStale(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("jobs.requeued", n))
	if n > 0 {
		observability.StuckJobsRequeuedTotal.Add(float64(n))
		s.logger.Warn("requeued stuck jobs", slog.Int64("count", n))
	}
}
