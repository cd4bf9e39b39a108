package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces data retention: terminal sagas, processed outbox
// rows, and settled tracking events older than the retention window are
// removed on a periodic schedule.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM sagas
		WHERE ended_at IS NOT NULL AND ended_at < $1
		AND state IN ('COMPLETED','FAILED','COMPENSATED','TIMED_OUT')
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.sagas: %w", err)
	}
	deletedSagas := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM outbox WHERE processed = true AND processed_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.outbox: %w", err)
	}
	deletedOutbox := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM tracking_events
		WHERE received_at < $1 AND state IN ('PUBLISHED','DISCARDED')
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.tracking: %w", err)
	}
	deletedEvents := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `DELETE FROM inbox WHERE processed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.inbox: %w", err)
	}
	deletedInbox := tag.RowsAffected()

	slog.Info("data cleanup completed",
		slog.Int64("deleted_sagas", deletedSagas),
		slog.Int64("deleted_outbox", deletedOutbox),
		slog.Int64("deleted_tracking_events", deletedEvents),
		slog.Int64("deleted_inbox", deletedInbox),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup loop until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
