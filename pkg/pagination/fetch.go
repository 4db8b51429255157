package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/logging"
	"github.com/jcliff/orrery-sub001/pkg/metrics"
	"github.com/jcliff/orrery-sub001/pkg/ratelimit"
	"github.com/jcliff/orrery-sub001/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var factory = promauto.With(metrics.Registry)

var tracer = otel.Tracer("github.com/jcliff/orrery-sub001/pkg/pagination")

// Prometheus metrics for pagination.
var (
	batchesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_batches_total",
		Help: "Total number of batches fetched by dispatch mode",
	}, []string{"mode"})

	featuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_features_total",
		Help: "Total number of records fetched by dispatch mode",
	}, []string{"mode"})

	fetchDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_fetch_duration_seconds",
		Help:    "Duration of a complete paginated fetch",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"mode"})

	countProbeFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "harvest_count_probe_failures_total",
		Help: "Total number of count probes that failed and forced sequential mode",
	})
)

// Result is the outcome of a successful fetch.
type Result[T any] struct {
	// Features holds every record in offset order. Empty when the buffer
	// was skipped.
	Features []T

	// TotalFetched is the number of records actually received.
	TotalFetched int

	// FromCache is reserved for cache-backed fetches and is always false
	// here.
	FromCache bool

	// Mode is the dispatch strategy that was used.
	Mode Mode
}

type countResult struct {
	total int
	known bool
}

type fetcher[T any] struct {
	src   Source[T]
	opts  Options[T]
	sink  Sink[T]
	pacer ratelimit.Pacer

	total      int
	totalKnown bool
	mode       Mode
}

// ParallelFetch retrieves every record of src. It returns an error if any
// batch exhausts its retries or any sink fails, in which case no partial
// result is returned.
func ParallelFetch[T any](ctx context.Context, src Source[T], opts Options[T]) (*Result[T], error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid fetch options: %w", err)
	}

	ctx, span := tracer.Start(ctx, "pagination.ParallelFetch")
	defer span.End()
	logger := logging.FromContext(ctx)

	total, known := probeCount(ctx, src, opts.Retry)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sink, buf := buildSink(opts)
	f := &fetcher[T]{
		src:        src,
		opts:       opts,
		sink:       sink,
		pacer:      ratelimit.NewPacer(opts.Delay, opts.DelayEvery),
		total:      total,
		totalKnown: known,
		mode:       ChooseMode(opts.OnFeatures != nil, opts.Concurrency, known),
	}

	span.SetAttributes(
		attribute.String("fetch.mode", string(f.mode)),
		attribute.Int("fetch.total", total),
		attribute.Bool("fetch.total_known", known),
	)
	logger.Debug().
		Str("mode", string(f.mode)).
		Int("total", total).
		Bool("total_known", known).
		Int("batch_size", opts.BatchSize).
		Int("concurrency", opts.Concurrency).
		Msg("Starting paginated fetch")

	start := time.Now()
	var fetched int
	if f.mode == ModeParallel {
		fetched, err = f.parallel(ctx)
	} else {
		fetched, err = f.sequential(ctx)
	}
	elapsed := time.Since(start)
	fetchDuration.WithLabelValues(string(f.mode)).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		logger.Error().
			Err(err).
			Str("mode", string(f.mode)).
			Int("fetched", fetched).
			Msg("Paginated fetch failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("fetch.fetched", fetched))
	logger.Info().
		Str("mode", string(f.mode)).
		Int("fetched", fetched).
		Dur("duration", elapsed).
		Msg("Paginated fetch complete")

	result := &Result[T]{TotalFetched: fetched, Mode: f.mode}
	if buf != nil {
		result.Features = buf.Features()
	}
	return result, nil
}

// probeCount asks the source for its total. A failed probe is not fatal; it
// only rules out parallel mode.
func probeCount[T any](ctx context.Context, src Source[T], policy retry.Policy) (int, bool) {
	res, err := retry.Execute(ctx, policy, func(ctx context.Context) (countResult, error) {
		total, known, err := src.Count(ctx)
		return countResult{total: total, known: known}, err
	})
	if err != nil {
		countProbeFailures.Inc()
		logging.FromContext(ctx).Warn().
			Err(err).
			Msg("Count probe failed, falling back to sequential fetch")
		return 0, false
	}
	if !res.known || res.total < 0 {
		return 0, false
	}
	return res.total, true
}

func (f *fetcher[T]) fetchBatch(ctx context.Context, offset int) (Batch[T], error) {
	return retry.Execute(ctx, f.opts.Retry, func(ctx context.Context) (Batch[T], error) {
		return f.src.FetchBatch(ctx, offset, f.opts.BatchSize)
	})
}

// sequential fetches one batch at a time. The next offset advances by the
// number of records actually received, which tolerates servers that return
// fewer records than requested.
func (f *fetcher[T]) sequential(ctx context.Context) (int, error) {
	logger := logging.FromContext(ctx)
	offset, fetched := 0, 0

	for batchNum := 0; batchNum < f.opts.MaxBatches; batchNum++ {
		if err := f.pacer.Wait(ctx, batchNum); err != nil {
			return fetched, err
		}

		batch, err := f.fetchBatch(ctx, offset)
		if err != nil {
			return fetched, fmt.Errorf("batch %d at offset %d: %w", batchNum, offset, err)
		}

		n := len(batch.Features)
		if n == 0 {
			break
		}
		batchesTotal.WithLabelValues(string(ModeSequential)).Inc()
		featuresTotal.WithLabelValues(string(ModeSequential)).Add(float64(n))

		if err := f.sink.Write(ctx, batch.Features); err != nil {
			return fetched, fmt.Errorf("feature sink at offset %d: %w", offset, err)
		}

		fetched += n
		offset += n
		f.emit(fetched, batchNum+1)

		if !batch.HasMore {
			break
		}
		if batchNum == f.opts.MaxBatches-1 {
			logger.Warn().
				Int("max_batches", f.opts.MaxBatches).
				Int("fetched", fetched).
				Msg("Batch limit reached before source was exhausted")
		}
	}

	return fetched, nil
}

// parallel dispatches one task per precomputed offset through a Limiter.
// Batch i is not dispatched before the pacing delays of batches 1..i have
// elapsed one after another.
// Results land in a slot per batch index, so the assembled output is in
// offset order regardless of completion order.
func (f *fetcher[T]) parallel(ctx context.Context) (int, error) {
	numBatches := NumBatches(f.total, f.opts.BatchSize, f.opts.MaxBatches)
	offsets := BatchOffsets(numBatches, f.opts.BatchSize)
	slots := make([][]T, numBatches)
	limiter := NewLimiter(f.opts.Concurrency)

	if numBatches*f.opts.BatchSize < f.total {
		logging.FromContext(ctx).Warn().
			Int("total", f.total).
			Int("max_batches", f.opts.MaxBatches).
			Msg("Batch limit caps the fetch below the reported total")
	}

	var (
		mu        sync.Mutex
		fetched   int
		completed int
	)

	var paceErr error
	g, gctx := errgroup.WithContext(ctx)
	for i, offset := range offsets {
		if err := f.pacer.Wait(gctx, i); err != nil {
			paceErr = err
			break
		}
		g.Go(func() error {
			return limiter.Do(gctx, func(ctx context.Context) error {
				batch, err := f.fetchBatch(ctx, offset)
				if err != nil {
					return fmt.Errorf("batch %d at offset %d: %w", i, offset, err)
				}
				slots[i] = batch.Features

				batchesTotal.WithLabelValues(string(ModeParallel)).Inc()
				featuresTotal.WithLabelValues(string(ModeParallel)).Add(float64(len(batch.Features)))

				mu.Lock()
				defer mu.Unlock()
				fetched += len(batch.Features)
				completed++
				f.emit(fetched, completed)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if paceErr != nil {
		return 0, paceErr
	}

	for i, features := range slots {
		if len(features) == 0 {
			continue
		}
		if err := f.sink.Write(ctx, features); err != nil {
			return 0, fmt.Errorf("feature sink at offset %d: %w", offsets[i], err)
		}
	}
	return fetched, nil
}

func (f *fetcher[T]) emit(fetched, batchNum int) {
	if f.opts.OnProgress == nil {
		return
	}

	msg := fmt.Sprintf("Fetched %d features (batch %d)", fetched, batchNum)
	if f.totalKnown {
		msg = fmt.Sprintf("Fetched %d/%d features (batch %d)", fetched, f.total, batchNum)
	}
	f.opts.OnProgress(Progress{
		Fetched:    fetched,
		Total:      f.total,
		TotalKnown: f.totalKnown,
		BatchNum:   batchNum,
		Message:    msg,
	})
}
