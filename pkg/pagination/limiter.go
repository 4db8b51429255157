package pagination

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many operations run at once.
type Limiter struct {
	sem  *semaphore.Weighted
	size int
}

// NewLimiter returns a limiter allowing n concurrent operations (at least 1).
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Size returns the maximum number of concurrent operations.
func (l *Limiter) Size() int {
	return l.size
}

// Do waits for a free slot, then runs fn. It returns ctx.Err() without
// running fn if ctx is done before a slot frees up.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	return fn(ctx)
}
