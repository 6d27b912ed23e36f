package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second}
}

// Reaper fails tasks that can no longer be reclaimed.
type Reaper interface {
	ReapExpired(ctx context.Context) (int, error)
}

// Archiver exports and removes terminal tasks older than its retention.
type Archiver interface {
	Archive(ctx context.Context, now time.Time) (int, error)
}

// Loop implements the Scheduler interface with a polling maintenance loop.
type Loop struct {
	reaper Reaper
	config Config
	logger *slog.Logger
	now    func() time.Time

	archiver    Archiver
	schedule    cron.Schedule
	nextArchive time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithArchiver runs archiver whenever schedule comes due.
func WithArchiver(a Archiver, schedule cron.Schedule) Option {
	return func(l *Loop) {
		l.archiver = a
		l.schedule = schedule
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// NewLoop creates a new maintenance loop.
func NewLoop(reaper Reaper, cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	l := &Loop{
		reaper: reaper,
		config: cfg,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins the maintenance loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	defer close(l.doneCh)
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval, "archive", l.archiver != nil)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
// It must only be called after Start.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}

// Tick runs a single maintenance iteration.
func (l *Loop) Tick(ctx context.Context) error {
	// Phase 1: fail RUNNING tasks whose lease expired on their last retry.
	reaped, err := l.reaper.ReapExpired(ctx)
	if err != nil {
		return fmt.Errorf("phase 1 (reap): %w", err)
	}
	if reaped > 0 {
		l.logger.Info("reaped expired tasks", "count", reaped)
	}

	// Phase 2: archive terminal tasks when the schedule is due.
	if err := l.archiveIfDue(ctx); err != nil {
		return fmt.Errorf("phase 2 (archive): %w", err)
	}
	return nil
}

func (l *Loop) archiveIfDue(ctx context.Context) error {
	if l.archiver == nil {
		return nil
	}
	now := l.now()
	if l.nextArchive.IsZero() {
		l.nextArchive = l.schedule.Next(now)
		l.logger.Debug("archive scheduled", "next", l.nextArchive)
		return nil
	}
	if now.Before(l.nextArchive) {
		return nil
	}
	l.nextArchive = l.schedule.Next(now)

	n, err := l.archiver.Archive(ctx, now)
	if err != nil {
		return err
	}
	l.logger.Info("archive run complete", "archived", n, "next", l.nextArchive)
	return nil
}
