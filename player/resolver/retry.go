package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// BackoffFunc returns the delay before retry attempt n (0-based: the delay
// after the first failure is Backoff(0)).
type BackoffFunc func(attempt int) time.Duration

// GeometricBackoff grows linearly with the attempt number: unit, 2*unit, ...
func GeometricBackoff(unit time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt+1) * unit
	}
}

// HTTPBackoff delegates to retryablehttp's exponential backoff with jitterless
// doubling between min and max.
func HTTPBackoff(min, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return retryablehttp.DefaultBackoff(min, max, attempt, nil)
	}
}

// RetryPolicy is an explicit retry policy shared by the resolver's network
// attempts and the engine's mid-stream recovery, instead of inline sleep
// loops per call site.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first one included.
	MaxAttempts int

	// Backoff computes the delay between attempts.
	Backoff BackoffFunc
}

// MidStreamPolicy is the recovery policy for playback errors after a source
// was already loaded: two extra re-resolution attempts at 1s, 2s.
func MidStreamPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     GeometricBackoff(time.Second),
	}
}

// Do runs fn until it succeeds, the attempt budget is spent, or the context
// is canceled. Sleeps between attempts are context-aware.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == attempts-1 {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("resolver: retry failed")
	}
	return lastErr
}
