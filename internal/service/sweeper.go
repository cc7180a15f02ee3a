package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/metrics"
)

// ErrSweepRunning is returned when a sweep is requested while one is in
// progress.
var ErrSweepRunning = errors.Conflict("storage sweep already running")

// Sweeper runs the storage expiry rules periodically.
type Sweeper struct {
	rules    *RuleEngine
	clock    clock.Clock
	interval time.Duration
	running  atomic.Bool
	log      *logger.Logger
}

// NewSweeper creates a sweeper firing every interval.
func NewSweeper(rules *RuleEngine, clk clock.Clock, interval time.Duration, log *logger.Logger) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{rules: rules, clock: clk, interval: interval, log: log}
}

// RunOnce sweeps now unless another sweep is still running.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		return nil, ErrSweepRunning
	}
	defer s.running.Store(false)

	res, err := s.rules.Sweep(ctx)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	return res, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("storage sweep failed")
	}
}
