// Package cron runs the board's periodic maintenance: releasing claims
// whose timeout has lapsed and purging expired refresh tokens.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskboard/internal/metrics"
)

// cronParser accepts 5-field expressions and descriptors such as @hourly
// or @every 30s.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Releaser returns stale claims to the ready column.
type Releaser interface {
	ReleaseTimedOut(ctx context.Context) (int, error)
}

// TokenCleaner deletes expired refresh tokens.
type TokenCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type Config struct {
	Releaser Releaser
	Cleaner  TokenCleaner
	Logger   *slog.Logger
	// SweepSchedule drives the release sweep. Defaults to every minute.
	SweepSchedule string
	// CleanupSchedule drives token cleanup. Defaults to hourly. Ignored
	// when Cleaner is nil.
	CleanupSchedule string
}

type Scheduler struct {
	releaser Releaser
	cleaner  TokenCleaner
	logger   *slog.Logger
	cron     *cronlib.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the schedules and registers the jobs. Nothing runs
// until Start.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		releaser: cfg.Releaser,
		cleaner:  cfg.Cleaner,
		logger:   logger.With("component", "cron"),
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithChain(cronlib.Recover(cronlib.DiscardLogger), cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
			cronlib.WithLocation(time.UTC),
		),
		ctx: context.Background(),
	}

	sweep := cfg.SweepSchedule
	if sweep == "" {
		sweep = "* * * * *"
	}
	if s.releaser != nil {
		if _, err := s.cron.AddFunc(sweep, s.Sweep); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", sweep, err)
		}
	}
	if s.cleaner != nil {
		cleanup := cfg.CleanupSchedule
		if cleanup == "" {
			cleanup = "0 * * * *"
		}
		if _, err := s.cron.AddFunc(cleanup, s.cleanup); err != nil {
			return nil, fmt.Errorf("cleanup schedule %q: %w", cleanup, err)
		}
	}
	return s, nil
}

// Start runs one sweep immediately and then hands the jobs to the cron
// runner. Jobs stop receiving a live context once ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.Sweep()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop halts the runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Sweep releases timed-out claims once.
func (s *Scheduler) Sweep() {
	if s.releaser == nil {
		return
	}
	n, err := s.releaser.ReleaseTimedOut(s.jobContext())
	if err != nil {
		s.logger.Error("cron: release sweep failed", "error", err)
		return
	}
	metrics.SweepRuns.Inc()
	if n > 0 {
		s.logger.Info("cron: released timed-out tasks", "count", n)
	}
}

func (s *Scheduler) cleanup() {
	if _, err := s.cleaner.CleanupExpired(s.jobContext()); err != nil {
		s.logger.Error("cron: refresh token cleanup failed", "error", err)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
