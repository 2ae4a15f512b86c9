package phyxie

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const jitterDivisor = 10 // 10% jitter

// RetryPolicy drives re-attempts of transient failures with exponential
// backoff and jitter. The zero value is not usable; construct with
// DefaultRetryPolicy or fill every field.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, first try included.
	MaxAttempts int
	// BaseDelay is the wait before the first re-attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the stock policy: 3 attempts, 1s base delay
// doubling up to 30s, ±10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(3, time.Second, 30*time.Second)
}

// NewRetryPolicy builds a policy with the given attempt budget and backoff
// bounds.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		sleep:       sleepCtx,
	}
}

// Do runs op until it succeeds, fails fatally, or the attempt budget is
// exhausted. Fatal failures pass through unchanged; exhaustion returns a
// KindRetryExhausted APIError wrapping the last transient cause.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			if apiErr, ok := AsAPIError(lastErr); ok && apiErr.RetryAfter > delay {
				delay = apiErr.RetryAfter
			}
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		apiErr, ok := AsAPIError(err)
		if !ok || !apiErr.Retryable() {
			return err
		}
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		lastErr = err
	}

	return &APIError{
		Kind:    KindRetryExhausted,
		Message: "service unavailable after repeated attempts",
		Err:     lastErr,
	}
}

// Delay computes the backoff for a given retry (0-based), with ±10% jitter.
func (p RetryPolicy) Delay(retry int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	jitterRange := delay / jitterDivisor
	if jitterRange > 0 {
		delay += time.Duration(rand.Int63n(int64(jitterRange))) - jitterRange/2
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
