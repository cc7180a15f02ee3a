// Package ledger is the access layer in front of the permissioned ledger:
// bounded retry, function aliasing and typed errors.
package ledger

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/metrics"
)

// RetryConfig bounds the retry executor.
type RetryConfig struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Jitter   time.Duration
}

// DefaultRetryConfig matches the service defaults.
var DefaultRetryConfig = RetryConfig{
	Attempts: 5,
	Base:     200 * time.Millisecond,
	Cap:      3 * time.Second,
	Jitter:   150 * time.Millisecond,
}

// Delay is the pre-jitter wait after the given zero-based attempt:
// min(base * 2^attempt, cap).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 31 {
		return c.Cap
	}
	d := c.Base * time.Duration(int64(1)<<attempt)
	if d <= 0 || d > c.Cap {
		return c.Cap
	}
	return d
}

// policyBackOff adapts RetryConfig to backoff.BackOff. It stops after
// Attempts operation calls.
type policyBackOff struct {
	cfg     RetryConfig
	attempt int
	jitter  func() time.Duration
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.attempt+1 >= b.cfg.Attempts {
		return backoff.Stop
	}
	d := b.cfg.Delay(b.attempt) + b.jitter()
	b.attempt++
	return d
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// Retrier runs ledger operations with classified, bounded retry.
type Retrier struct {
	cfg RetryConfig
	log *logger.Logger
}

// NewRetrier creates a retrier. Attempts below one are treated as one.
func NewRetrier(cfg RetryConfig, log *logger.Logger) *Retrier {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Retrier{cfg: cfg, log: log}
}

// Config returns the retry bounds.
func (r *Retrier) Config() RetryConfig { return r.cfg }

func (r *Retrier) jitter() time.Duration {
	if r.cfg.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(r.cfg.Jitter)))
}

// Retry runs op until it succeeds, fails terminally, or the attempt cap is
// reached. Transient errors are always retried, write conflicts only when
// isWrite is set. The error returned is the one op returned, unwrapped.
func Retry[T any](ctx context.Context, r *Retrier, name string, isWrite bool, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil && !Retryable(err, isWrite) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, wait time.Duration) {
		metrics.LedgerRetries.WithLabelValues(name).Inc()
		r.log.Warn().Err(err).
			Str("function", name).
			Int("attempt", attempt).
			Int("max_attempts", r.cfg.Attempts).
			Dur("wait", wait).
			Str("class", Classify(err).String()).
			Msg("ledger call failed, retrying")
	}

	b := &policyBackOff{cfg: r.cfg, jitter: r.jitter}
	return backoff.RetryNotifyWithData(operation, backoff.WithContext(b, ctx), notify)
}
