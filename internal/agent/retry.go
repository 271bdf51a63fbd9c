package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ResearchWriter/internal/domain"
)

// Backoff configures retries of transient provider failures.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff retries four times starting at one second.
var DefaultBackoff = Backoff{
	Initial:     time.Second,
	Max:         30 * time.Second,
	Multiplier:  2,
	MaxAttempts: 5,
}

// Delay is the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) attempts() int {
	if b.MaxAttempts <= 0 {
		return 1
	}
	return b.MaxAttempts
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

// retry runs op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent.
func retry[T any](ctx context.Context, b Backoff, sleep func(context.Context, time.Duration) error, onRetry func(int, error), op func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < b.attempts(); attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		if !isTransient(ctx, err) {
			return zero, err
		}
		lastErr = err
		if attempt == b.attempts()-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		if err := sleep(ctx, b.Delay(attempt)); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}
	}
	return zero, fmt.Errorf("provider retries exhausted after %d attempt(s): %w", b.attempts(), lastErr)
}

// isTransient treats provider-classified transient errors and per-call
// timeouts (while the parent context is still alive) as retryable.
func isTransient(ctx context.Context, err error) bool {
	var fatal *domain.FatalProviderError
	if errors.As(err, &fatal) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	var transient *domain.TransientProviderError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
