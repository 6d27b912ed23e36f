// Package engine implements the task scheduling engine: ingestion with
// dedup-on-insert, atomic claim-next dispatch, lifecycle transitions and the
// backoff/eligibility controller.
//
// The engine holds no locks. Every status change is a single conditional
// update in the store, which is the linearization point for concurrent
// pollers.
package engine

import (
	"log/slog"
	"time"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// Config holds engine tunables.
type Config struct {
	MaxRetries      int                                  `yaml:"max_retries"`
	MaxBackoff      int                                  `yaml:"max_backoff"`
	LeaseTimeout    time.Duration                        `yaml:"lease_timeout"`
	LeaseTimeouts   map[model.AnalysisType]time.Duration `yaml:"lease_timeouts"`
	BackoffInterval time.Duration                        `yaml:"backoff_interval"`
	ClaimBatch      int                                  `yaml:"claim_batch"`
	ClaimRounds     int                                  `yaml:"claim_rounds"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		MaxBackoff:      10,
		LeaseTimeout:    20 * time.Minute,
		BackoffInterval: 15 * time.Minute,
		ClaimBatch:      10,
		ClaimRounds:     3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.BackoffInterval <= 0 {
		c.BackoffInterval = d.BackoffInterval
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = d.ClaimBatch
	}
	if c.ClaimRounds <= 0 {
		c.ClaimRounds = d.ClaimRounds
	}
	return c
}

// Clock returns the current wall-clock time.
type Clock func() time.Time

// Engine is the dispatch core shared by every poller.
type Engine struct {
	store  store.Store
	config Config
	now    Clock
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mainly for lease tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.now = c }
}

// New creates an Engine backed by st.
func New(st store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		config: cfg.withDefaults(),
		now:    time.Now,
		logger: logger.With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Lease returns the lease timeout for an analysis type.
func (e *Engine) Lease(t model.AnalysisType) time.Duration {
	if d, ok := e.config.LeaseTimeouts[t]; ok && d > 0 {
		return d
	}
	return e.config.LeaseTimeout
}

func (e *Engine) leaseMinutes(t model.AnalysisType) int {
	return int(e.Lease(t) / time.Minute)
}

func (e *Engine) leaseExpired(t model.AnalysisType, updatedAt, now time.Time) bool {
	return updatedAt.Before(now.Add(-e.Lease(t)))
}

func (e *Engine) claimWindow(now time.Time) *store.ClaimWindow {
	cw := &store.ClaimWindow{
		MaxRetries:    e.config.MaxRetries,
		DefaultCutoff: now.Add(-e.config.LeaseTimeout),
	}
	if len(e.config.LeaseTimeouts) > 0 {
		cw.Cutoffs = make(map[model.AnalysisType]time.Time, len(e.config.LeaseTimeouts))
		for t := range e.config.LeaseTimeouts {
			cw.Cutoffs[t] = now.Add(-e.Lease(t))
		}
	}
	return cw
}

// stamp returns the updated_at to write over prev. updated_at is the CAS
// version, so it never stays put or moves backwards.
func (e *Engine) stamp(prev time.Time) time.Time {
	now := e.now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
