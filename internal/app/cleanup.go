package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// TerminalPurger deletes terminal job rows older than the retention window.
type TerminalPurger interface {
	DeleteOldTerminal(ctx context.Context, retentionDays int) (int64, error)
}

// CleanupService enforces the queue's retention policy. Only terminal rows
// (complete, failed, failed_fallback_email) are eligible; pending and
// processing rows are never touched.
type CleanupService struct {
	store         TerminalPurger
	logger        *slog.Logger
	retentionDays int
	interval      time.Duration
}

// NewCleanupService constructs the cleanup loop, defaulting to a 90-day
// retention swept daily.
func NewCleanupService(store TerminalPurger, logger *slog.Logger, retentionDays int, interval time.Duration) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &CleanupService{
		store:         store,
		logger:        logger,
		retentionDays: retentionDays,
		interval:      interval,
	}
}

// RunPeriodic purges once immediately, then on every tick until ctx is
// cancelled.
func (c *CleanupService) RunPeriodic(ctx context.Context) {
	c.runOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleanup service stopping")
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *CleanupService) runOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.cleanup")
	ctx, span := tracer.Start(ctx, "cleanup.runOnce")
	defer span.End()

	n, err := c.store.DeleteOldTerminal(ctx, c.retentionDays)
	if err != nil {
		c.logger.Error("retention cleanup failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("jobs.deleted", n))
	if n > 0 {
		c.logger.Info("purged old terminal jobs",
			slog.Int64("count", n),
			slog.Int("retention_days", c.retentionDays))
	}
}
