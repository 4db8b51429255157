// Package retry wraps a single network operation with bounded, capped
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/logging"
	"github.com/jcliff/orrery-sub001/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var factory = promauto.With(metrics.Registry)

// Prometheus metrics for retry operations.
var (
	retriesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts",
	})

	retryBackoffSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration waited before a retry",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	retryExhaustedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of operations that failed after exhausting all retries",
	})
)

// Policy holds the configuration for retry logic.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// Retryable reports whether err may be retried. Nil retries every error.
	Retryable func(err error) bool
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0 (got %d)", p.MaxRetries)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be > 0 (got %s)", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s must be >= base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// IsZero reports whether no field of the policy was set.
func (p Policy) IsZero() bool {
	return p.MaxRetries == 0 && p.BaseDelay == 0 && p.MaxDelay == 0 && p.Retryable == nil
}

// Delay returns the wait before retry attempt k (1-based):
// min(BaseDelay * 2^(k-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// sleep waits for d or until ctx is done. Replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs op, retrying failures according to policy. After the retry
// budget is spent the last error is returned unchanged, so callers can still
// match it with errors.Is and errors.As.
func Execute[R any](ctx context.Context, policy Policy, op func(ctx context.Context) (R, error)) (R, error) {
	logger := logging.FromContext(ctx)

	var zero R
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return result, nil
		}

		if ctx.Err() != nil {
			return zero, err
		}

		if !policy.shouldRetry(err) {
			return zero, err
		}

		if attempt >= policy.MaxRetries {
			retryExhaustedTotal.Inc()
			logger.Error().
				Err(err).
				Int("attempts", attempt+1).
				Msg("Retry attempts exhausted")
			return zero, err
		}

		delay := policy.Delay(attempt + 1)
		retriesTotal.Inc()
		retryBackoffSeconds.Observe(delay.Seconds())

		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", policy.MaxRetries).
			Dur("delay", delay).
			Msg("Retrying after backoff")

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}
