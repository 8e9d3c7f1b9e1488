// Package scheduler runs the periodic maintenance jobs: purging expired
// sessions, authorization codes, refresh tokens, and magic-link tokens, and
// pruning idle rate-limit buckets.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/koauth-io/koauth/internal/ratelimit"
	"github.com/koauth-io/koauth/internal/store"
)

// DefaultInterval is how often the cleanup sweep runs.
const DefaultInterval = time.Hour

// Scheduler owns the gocron instance and the cleanup jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	stores    *store.Stores
	limiters  []*ratelimit.Limiter
	interval  time.Duration
	logger    *zap.Logger
}

// New creates the scheduler. A zero interval falls back to DefaultInterval.
func New(stores *store.Stores, limiters []*ratelimit.Limiter, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create: %w", err)
	}

	return &Scheduler{
		scheduler: sched,
		stores:    stores,
		limiters:  limiters,
		interval:  interval,
		logger:    logger.Named("scheduler"),
	}, nil
}

// Start registers the cleanup job and begins running it.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.cleanup),
		gocron.WithName("expired-record-cleanup"),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register cleanup job: %w", err)
	}

	s.scheduler.Start()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Shutdown stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Shutdown() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	return nil
}

// cleanup purges every expired record class. Each purge is independent; a
// failure in one is logged and the rest still run.
func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	purges := []struct {
		name string
		run  func(context.Context) error
	}{
		{"sessions", s.stores.Sessions.DeleteExpired},
		{"authorization codes", s.stores.Codes.DeleteExpired},
		{"refresh tokens", s.stores.RefreshTokens.DeleteExpired},
		{"magic-link tokens", s.stores.MagicLinks.DeleteExpired},
	}
	for _, p := range purges {
		if err := p.run(ctx); err != nil {
			s.logger.Error("cleanup failed", zap.String("target", p.name), zap.Error(err))
		}
	}

	for _, l := range s.limiters {
		l.Prune(24 * time.Hour)
	}

	s.logger.Debug("cleanup sweep completed")
}
