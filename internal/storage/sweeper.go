package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/rs/zerolog"
)

// SweeperConfig holds the expiry and retention schedule.
type SweeperConfig struct {
	SweepInterval   time.Duration // pending -> expired cadence
	CleanupInterval time.Duration // retention cleanup cadence
	RetentionPeriod time.Duration // terminal records older than this are deleted (0 disables cleanup)
}

// DefaultSweeperConfig returns the default schedule.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SweepInterval:   DefaultSweepInterval,
		CleanupInterval: DefaultCleanupInterval,
		RetentionPeriod: DefaultRetentionPeriod,
	}
}

// Sweeper expires overdue pending payments and removes stale terminal records on a schedule.
type Sweeper struct {
	store    Store
	config   SweeperConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewSweeper creates a new sweeper.
func NewSweeper(store Store, cfg SweeperConfig, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &Sweeper{
		store:    store,
		config:   cfg,
		logger:   logger,
		metrics:  metricsCollector,
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the background loop.
func (s *Sweeper) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info().
		Dur("sweepInterval", s.config.SweepInterval).
		Dur("cleanupInterval", s.config.CleanupInterval).
		Dur("retentionPeriod", s.config.RetentionPeriod).
		Msg("sweeper: started")

	go s.run()
}

// Stop stops the background loop and waits for it to exit. It is a no-op
// for a sweeper that was never started.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if !s.started.Load() {
			return
		}
		<-s.doneChan
		s.logger.Info().Msg("sweeper: stopped")
	})
}

func (s *Sweeper) run() {
	defer close(s.doneChan)

	s.expire()

	sweep := time.NewTicker(s.config.SweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(s.config.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-sweep.C:
			s.expire()
		case <-cleanup.C:
			s.cleanup()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Sweeper) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.ExpireNow(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweeper: failed to expire overdue payments")
	}
}

func (s *Sweeper) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.CleanupNow(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweeper: failed to delete stale records")
	}
}

// ExpireNow runs a single expiry pass.
func (s *Sweeper) ExpireNow(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOverdue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire overdue: %w", err)
	}
	s.metrics.ObserveSweep("expire", n)
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("sweeper: expired overdue payments")
	}
	return n, nil
}

// CleanupNow runs a single retention pass.
func (s *Sweeper) CleanupNow(ctx context.Context) (int64, error) {
	if s.config.RetentionPeriod <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.config.RetentionPeriod)
	n, err := s.store.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal records: %w", err)
	}
	s.metrics.ObserveSweep("cleanup", n)
	s.logger.Info().
		Int64("deleted", n).
		Time("olderThan", cutoff).
		Msg("sweeper: retention pass completed")
	return n, nil
}
