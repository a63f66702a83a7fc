// Package worker runs fire-and-forget side work on bounded goroutine pools.
// Request paths never start naked goroutines; they submit here instead.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool is closed")

type Task func(ctx context.Context)

type Pool struct {
	pool *ants.Pool
	name string
	log  *zap.Logger
}

// Pools groups the process pools. General takes side effects of writes
// (activity fan-out, media cleanup); Index takes search indexing, which may
// stall on an unhealthy search backend without starving General.
type Pools struct {
	General *Pool
	Index   *Pool

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
	log           *zap.Logger
}

type PoolConfig struct {
	GeneralPoolSize int
	IndexPoolSize   int
}

func NewPools(ctx context.Context, cfg PoolConfig, log *zap.Logger) (*Pools, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IndexPoolSize <= 0 {
		cfg.IndexPoolSize = max(1, cfg.GeneralPoolSize/4)
	}
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p any) {
		log.Error("worker panic recovered", zap.Any("panic", p), zap.Stack("stack"))
	}

	general, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, fmt.Errorf("create general pool: %w", err)
	}
	index, err := ants.NewPool(cfg.IndexPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		general.Release()
		serviceCancel()
		return nil, fmt.Errorf("create index pool: %w", err)
	}

	return &Pools{
		General:       &Pool{pool: general, name: "general", log: log},
		Index:         &Pool{pool: index, name: "index", log: log},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
		log:           log,
	}, nil
}

// Submit runs task with the caller's ctx. A task whose ctx is cancelled
// while queued is skipped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.pool.Submit(func() {
		if ctx.Err() != nil {
			p.log.Debug("task skipped: context cancelled", zap.String("pool", p.name), zap.Error(ctx.Err()))
			return
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Go runs task detached from any request, under the service lifetime
// context. Use it for work that must outlive the request that caused it.
func (p *Pools) Go(pool *Pool, task Task) error {
	if pool == nil {
		pool = p.General
	}
	return pool.Submit(p.serviceCtx, task)
}

// Shutdown cancels detached work and waits for running tasks up to timeout.
func (p *Pools) Shutdown(timeout time.Duration) {
	p.serviceCancel()
	for _, pool := range []*Pool{p.General, p.Index} {
		if err := pool.pool.ReleaseTimeout(timeout); err != nil {
			p.log.Warn("worker pool shutdown timeout", zap.String("pool", pool.name), zap.Error(err))
		}
	}
}

type PoolStats struct {
	Running int `json:"running"`
	Free    int `json:"free"`
	Cap     int `json:"cap"`
}

func (p *Pools) Stats() map[string]PoolStats {
	out := make(map[string]PoolStats, 2)
	for _, pool := range []*Pool{p.General, p.Index} {
		out[pool.name] = PoolStats{Running: pool.pool.Running(), Free: pool.pool.Free(), Cap: pool.pool.Cap()}
	}
	return out
}
