// Package reclaim periodically returns stale in-progress tasks to pending and
// prunes expired history from every registered queue.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

// Queue is what the sweeper maintains.
type Queue interface {
	Name() string
	ReclaimStale(ctx context.Context, maxAge time.Duration) ([]string, error)
	PruneHistory(ctx context.Context) error
}

// Config describes a sweeper.
type Config struct {
	// Schedule is a cron spec or descriptor such as "@every 30s".
	Schedule string
	// MaxAge is how long a task may stay in progress before it is reclaimed.
	MaxAge time.Duration
	Logger *zap.Logger
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	queues []Queue
	maxAge time.Duration
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	started bool
}

// New validates the schedule and builds a stopped sweeper.
func New(cfg Config, queues ...Queue) (*Sweeper, error) {
	if cfg.MaxAge <= 0 {
		return nil, errors.New("reclaim: max age must be positive")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		queues: queues,
		maxAge: cfg.MaxAge,
		logger: logger.Named("reclaim"),
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { _ = s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("reclaim schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Sweep reclaims and prunes every queue once. A failing queue does not stop
// the others; their errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) error {
	var errs []error
	for _, q := range s.queues {
		ids, err := q.ReclaimStale(ctx, s.maxAge)
		if err != nil {
			s.logger.Error("reclaim failed", zap.String("queue", q.Name()), zap.Error(err))
			errs = append(errs, err)
		} else if len(ids) > 0 {
			s.logger.Info("reclaimed stale tasks", zap.String("queue", q.Name()), zap.Int("count", len(ids)))
		}
		if err := q.PruneHistory(ctx); err != nil {
			s.logger.Error("prune history failed", zap.String("queue", q.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start begins the schedule. Calling it twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("sweeper started", zap.Duration("max_age", s.maxAge), zap.Int("queues", len(s.queues)))
}

// Stop halts the schedule and waits for a running sweep until ctx ends.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop sweeper: %w", ctx.Err())
	}
}
