package generator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"recleaner/internal/logging"
	"recleaner/internal/types"
)

// RetryPolicy bounds retries of transient generator failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is three attempts with 1s..10s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Delay returns the wait before attempt n (1-based, so the first retry is n=2).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 2 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type retrying struct {
	inner  Generator
	policy RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry retries calls that fail with types.ErrTransient. Any terminal
// failure is returned as *types.GeneratorFailure.
func WithRetry(g Generator, policy RetryPolicy, logger *zap.Logger) Generator {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &retrying{
		inner:  g,
		policy: policy,
		logger: logging.For(logger, logging.CategoryGenerator),
		sleep:  sleepCtx,
	}
}

func (r *retrying) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	attempt := 0
	for attempt < r.policy.MaxAttempts {
		attempt++
		if attempt > 1 {
			delay := r.policy.Delay(attempt)
			r.logger.Warn("retrying generator call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				return "", &types.GeneratorFailure{Attempts: attempt - 1, Err: err}
			}
		}

		out, err := r.inner.Generate(ctx, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.Is(err, types.ErrTransient) || ctx.Err() != nil {
			break
		}
	}
	return "", &types.GeneratorFailure{Attempts: attempt, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
