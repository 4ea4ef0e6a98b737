// Package retry wraps fallible operations with bounded exponential
// backoff and an optional per-attempt recovery action. The recovery
// action restores state a failed attempt invalidated (rewinding an
// upload stream, discarding a partially-filled buffer) so every
// attempt observes the same starting state as the first — the central
// correctness property of the engine.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults, matching the documented contract: five attempts, waits of
// 2^attempt seconds capped at one minute, ±25% jitter.
const (
	DefaultMaxAttempts = 5
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 60 * time.Second
	backoffFactor      = 2.0
	jitterFraction     = 0.25
)

// RecoveryFunc runs before a retry to restore state invalidated by
// the failed attempt. err is the failure being retried and wait the
// upcoming backoff. A recovery failure aborts the retry loop: without
// restored state a retried call would not observe the same starting
// state as the first attempt.
type RecoveryFunc func(err error, wait time.Duration) error

// Option configures a single Execute call, overriding policy defaults.
type Option func(*settings)

type settings struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	retryable   func(error) bool
	onRetry     RecoveryFunc
}

// WithMaxAttempts bounds the total number of attempts (not retries).
func WithMaxAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBaseDelay overrides the first backoff wait.
func WithBaseDelay(d time.Duration) Option {
	return func(s *settings) { s.baseDelay = d }
}

// WithRetryable supplies the transient-error predicate. Errors the
// predicate rejects propagate immediately on first occurrence.
func WithRetryable(pred func(error) bool) Option {
	return func(s *settings) { s.retryable = pred }
}

// WithOnRetry supplies the recovery action. Mandatory whenever the
// wrapped operation consumes a stream with internal position state.
func WithOnRetry(fn RecoveryFunc) Option {
	return func(s *settings) { s.onRetry = fn }
}

// ExhaustedError reports that every attempt failed with a transient
// error. It wraps the accumulated per-attempt errors; errors.Is
// traverses all of them.
type ExhaustedError struct {
	Attempts int
	Errs     []error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", e.Attempts, e.Errs[len(e.Errs)-1])
}

// Unwrap exposes every recorded attempt error.
func (e *ExhaustedError) Unwrap() []error {
	return e.Errs
}

// Policy executes operations with retry. The zero configuration from
// New applies the documented defaults; per-call options narrow them.
type Policy struct {
	defaults settings
	logger   *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid
	// real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a Policy with the default attempt budget and backoff.
func New(logger *slog.Logger, opts ...Option) *Policy {
	if logger == nil {
		logger = slog.Default()
	}

	s := settings{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
	}

	for _, opt := range opts {
		opt(&s)
	}

	return &Policy{
		defaults:  s,
		logger:    logger,
		sleepFunc: sleepContext,
	}
}

// SetSleepFunc replaces the inter-attempt wait. Intended for tests.
func (p *Policy) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	p.sleepFunc = fn
}

// Execute invokes op, retrying transient failures with exponential
// backoff. Behavior:
//   - success returns nil immediately;
//   - an error the retryable predicate rejects propagates unchanged;
//   - a transient error with attempts remaining triggers the recovery
//     action (if any), then a backoff wait, then the next attempt;
//   - exhausting the attempt budget fails with *ExhaustedError
//     wrapping every recorded error;
//   - context cancellation aborts the wait and propagates ctx.Err().
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)

	return err
}

// Do is the result-returning form of Execute.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T

	s := p.defaults
	for _, opt := range opts {
		opt(&s)
	}

	var errs []error

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry: canceled: %w", ctx.Err())
		}

		if s.retryable == nil || !s.retryable(err) {
			return zero, err
		}

		errs = append(errs, err)

		if attempt == s.maxAttempts-1 {
			break
		}

		wait := p.backoff(s, attempt)

		p.logger.Warn("retrying after transient error",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		if s.onRetry != nil {
			if recErr := s.onRetry(err, wait); recErr != nil {
				return zero, fmt.Errorf("retry: recovery action failed: %w", recErr)
			}
		}

		if sleepErr := p.sleepFunc(ctx, wait); sleepErr != nil {
			return zero, fmt.Errorf("retry: canceled: %w", sleepErr)
		}
	}

	return zero, &ExhaustedError{Attempts: s.maxAttempts, Errs: errs}
}

// backoff computes 2^attempt × base with a cap and ±25% jitter.
func (p *Policy) backoff(s settings, attempt int) time.Duration {
	d := float64(s.baseDelay) * math.Pow(backoffFactor, float64(attempt))
	if d > float64(s.maxDelay) {
		d = float64(s.maxDelay)
	}

	jitter := d * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	d += jitter

	return time.Duration(d)
}

// sleepContext waits for d or until the context is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
