package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/retry"
)

// Default fetch tuning.
const (
	DefaultConcurrency = 4
	DefaultBatchSize   = 2000
	DefaultMaxBatches  = 100
)

// Progress is a snapshot emitted after each completed batch.
type Progress struct {
	Fetched    int
	Total      int
	TotalKnown bool

	// BatchNum counts batches completed so far, starting at 1.
	BatchNum int
	Message  string
}

// Options configures ParallelFetch. Zero fields take their defaults.
type Options[T any] struct {
	// Concurrency is the maximum number of in-flight batch requests.
	Concurrency int

	// BatchSize is the number of records requested per batch.
	BatchSize int

	// MaxBatches bounds the number of batches per fetch.
	MaxBatches int

	// Retry is applied to the count probe and to every batch. The zero
	// value means retry.DefaultPolicy().
	Retry retry.Policy

	// OnProgress is called after each completed batch. Calls never overlap.
	OnProgress func(Progress)

	// OnFeatures streams every batch, in offset order, as soon as it
	// arrives. The next batch is not requested until it returns. Setting
	// it forces sequential mode.
	OnFeatures func(ctx context.Context, batch []T) error

	// SkipBuffer drops the accumulated result. Only meaningful together
	// with OnFeatures.
	SkipBuffer bool

	// Delay is waited before every DelayEvery-th batch.
	Delay time.Duration

	// DelayEvery defaults to 1.
	DelayEvery int
}

// DefaultOptions returns options with every default filled in.
func DefaultOptions[T any]() Options[T] {
	return Options[T]{
		Concurrency: DefaultConcurrency,
		BatchSize:   DefaultBatchSize,
		MaxBatches:  DefaultMaxBatches,
		Retry:       retry.DefaultPolicy(),
		DelayEvery:  1,
	}
}

// normalize fills defaults and validates the result.
func (o Options[T]) normalize() (Options[T], error) {
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxBatches == 0 {
		o.MaxBatches = DefaultMaxBatches
	}
	if o.Retry.IsZero() {
		o.Retry = retry.DefaultPolicy()
	}
	if o.DelayEvery == 0 {
		o.DelayEvery = 1
	}

	if o.Concurrency < 0 {
		return o, fmt.Errorf("concurrency must be >= 1 (got %d)", o.Concurrency)
	}
	if o.BatchSize < 0 {
		return o, fmt.Errorf("batch size must be >= 1 (got %d)", o.BatchSize)
	}
	if o.MaxBatches < 0 {
		return o, fmt.Errorf("max batches must be >= 1 (got %d)", o.MaxBatches)
	}
	if o.Delay < 0 {
		return o, fmt.Errorf("delay must be >= 0 (got %s)", o.Delay)
	}
	if o.DelayEvery < 0 {
		return o, fmt.Errorf("delay every must be >= 1 (got %d)", o.DelayEvery)
	}
	if o.SkipBuffer && o.OnFeatures == nil {
		return o, fmt.Errorf("skip buffer requires a feature callback")
	}
	if err := o.Retry.Validate(); err != nil {
		return o, fmt.Errorf("retry policy: %w", err)
	}
	return o, nil
}
