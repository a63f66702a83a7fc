package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"
)

// DefaultReadRetention is how long read notifications are kept.
const DefaultReadRetention = 30 * 24 * time.Hour

// NotificationCleanupArgs removes expired notifications and old read ones.
type NotificationCleanupArgs struct{}

func (NotificationCleanupArgs) Kind() string { return "notification_cleanup" }

// InsertOpts keeps at most one cleanup queued per hour.
func (NotificationCleanupArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

type CleanupStore interface {
	DeleteExpiredNotifications(ctx context.Context, readRetention time.Duration) (int, error)
}

type NotificationCleanupWorker struct {
	river.WorkerDefaults[NotificationCleanupArgs]
	store     CleanupStore
	retention time.Duration
	log       *zap.Logger
}

// NewNotificationCleanupWorker falls back to DefaultReadRetention for a
// non-positive retention.
func NewNotificationCleanupWorker(s CleanupStore, retention time.Duration, log *zap.Logger) *NotificationCleanupWorker {
	if retention <= 0 {
		retention = DefaultReadRetention
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationCleanupWorker{store: s, retention: retention, log: log}
}

func (w *NotificationCleanupWorker) Work(ctx context.Context, _ *river.Job[NotificationCleanupArgs]) error {
	if w == nil || w.store == nil {
		return fmt.Errorf("notification cleanup worker is not initialized")
	}
	deleted, err := w.store.DeleteExpiredNotifications(ctx, w.retention)
	if err != nil {
		return fmt.Errorf("delete expired notifications: %w", err)
	}
	w.log.Info("notification cleanup completed",
		zap.Int("deleted_rows", deleted),
		zap.Duration("read_retention", w.retention),
	)
	return nil
}
