package utils

import (
	"context"
	"math"
	"time"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Policy decides, after a failed attempt (1-based), whether to retry and how long to wait.
type Policy func(attempt int, err error) (time.Duration, bool)

// ExponentialPolicy adapts a RetryConfig into a Policy that retries every error.
func ExponentialPolicy(cfg RetryConfig) Policy {
	return func(attempt int, err error) (time.Duration, bool) {
		if attempt >= cfg.MaxAttempts {
			return 0, false
		}
		return CalculateBackoff(attempt-1, cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffFactor), true
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryWithPolicy runs fn until it succeeds or policy declines another attempt.
// It returns the result, the number of attempts made, and the last error.
func RetryWithPolicy[T any](ctx context.Context, policy Policy, sleep Sleeper, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}

		delay, again := policy(attempt, err)
		if !again {
			return zero, attempt, err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, attempt, err
		}
	}
}

// RetryWithResult executes a function with exponential backoff retry and returns a result.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	result, _, err := RetryWithPolicy(ctx, ExponentialPolicy(cfg), Sleep, func(context.Context) (T, error) {
		return fn()
	})
	return result, err
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, factor float64) time.Duration {
	delay := float64(initialDelay) * math.Pow(factor, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}
