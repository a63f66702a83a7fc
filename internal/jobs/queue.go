package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"
)

// Inserter is the enqueue side of a River client.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

type QueueConfig struct {
	MaxWorkers      int
	CleanupInterval time.Duration
	ReadRetention   time.Duration
}

type Deps struct {
	Fanout  FanoutStore
	Cleanup CleanupStore
	Mailer  Mailer
}

// Migrate creates or upgrades River's own tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if log != nil {
		log.Info("river migration completed", zap.Int("versions_applied", len(res.Versions)))
	}
	return nil
}

// NewClient registers the workers and the periodic cleanup on a River client
// backed by pool. The caller starts and stops it.
func NewClient(pool *pgxpool.Pool, cfg QueueConfig, deps Deps, log *zap.Logger) (*river.Client[pgx.Tx], error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}

	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewWatcherFanoutWorker(deps.Fanout, deps.Mailer, log)); err != nil {
		return nil, fmt.Errorf("register watcher fanout worker: %w", err)
	}
	if err := river.AddWorkerSafely(workers, NewNotificationCleanupWorker(deps.Cleanup, cfg.ReadRetention, log)); err != nil {
		return nil, fmt.Errorf("register notification cleanup worker: %w", err)
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.CleanupInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return NotificationCleanupArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}
