// Package merge fetches several endpoints in turn and combines them into one
// logical dataset, either concatenated or deduplicated by an id attribute.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/adapter"
	"github.com/jcliff/orrery-sub001/pkg/client"
	"github.com/jcliff/orrery-sub001/pkg/logging"
	"github.com/jcliff/orrery-sub001/pkg/metrics"
	"github.com/jcliff/orrery-sub001/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var factory = promauto.With(metrics.Registry)

var tracer = otel.Tracer("github.com/jcliff/orrery-sub001/pkg/merge")

// Prometheus metrics for multi-endpoint merges.
var (
	endpointFailuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_endpoint_failures_total",
		Help: "Total number of endpoint fetch failures by optionality",
	}, []string{"optional"})

	dedupeDroppedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "harvest_dedupe_dropped_total",
		Help: "Total number of records dropped as duplicates",
	})
)

// Mode is the merge strategy.
type Mode string

const (
	// ModeConcat keeps every record in endpoint order.
	ModeConcat Mode = "concat"

	// ModeDedupe keeps the first record seen per id.
	ModeDedupe Mode = "dedupe"
)

// Validation errors.
var (
	ErrNoEndpoints   = errors.New("at least one endpoint is required")
	ErrDuplicateID   = errors.New("duplicate endpoint id")
	ErrMissingIDProp = errors.New("dedupe mode requires an id property")
	ErrUnknownMode   = errors.New("unknown merge mode")
)

// Endpoint is one source of a merged dataset.
type Endpoint struct {
	// ID uniquely identifies the endpoint within a merge.
	ID string

	Adapter adapter.Descriptor

	// Optional endpoints may fail without failing the merge.
	Optional bool

	// Metadata is stamped into the attributes of every record fetched from
	// this endpoint.
	Metadata map[string]any
}

// EndpointStats reports the outcome for one endpoint.
type EndpointStats struct {
	// Fetched counts records received, before deduplication. Zero when the
	// endpoint failed.
	Fetched int

	// Error is set when an optional endpoint failed.
	Error string
}

// Result is the merged dataset.
type Result struct {
	Features []adapter.Feature

	// TotalFetched is len(Features), after deduplication.
	TotalFetched int

	PerEndpoint map[string]EndpointStats
}

// EndpointError reports the failure of a required endpoint.
type EndpointError struct {
	EndpointID string
	Err        error
}

// Error implements the error interface.
func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint %q: %v", e.EndpointID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *EndpointError) Unwrap() error {
	return e.Err
}

// Options configures FetchMultiEndpoint.
type Options struct {
	// Mode defaults to ModeConcat.
	Mode Mode

	// IDProperty names the attribute used to deduplicate.
	IDProperty string

	// Fetch is passed to each endpoint's fetch. Records are always
	// buffered so they can be stamped and merged: OnFeatures and SkipBuffer
	// are ignored, and OnProgress is replaced by the merge's own.
	Fetch pagination.Options[adapter.Feature]

	// OnProgress receives per-endpoint progress snapshots.
	OnProgress func(endpointID string, p pagination.Progress)
}

func (o Options) validate(endpoints []Endpoint) error {
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}

	seen := make(map[string]struct{}, len(endpoints))
	for i, ep := range endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoint %d: id is required", i)
		}
		if _, dup := seen[ep.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, ep.ID)
		}
		seen[ep.ID] = struct{}{}
		if ep.Adapter == nil {
			return fmt.Errorf("endpoint %s: adapter is required", ep.ID)
		}
	}

	switch o.Mode {
	case ModeConcat:
	case ModeDedupe:
		if o.IDProperty == "" {
			return ErrMissingIDProp
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, o.Mode)
	}
	return nil
}

// FetchMultiEndpoint fetches each endpoint in list order, one at a time,
// and merges the results. A required endpoint's failure is returned as
// *EndpointError; an optional endpoint's failure is recorded in
// PerEndpoint and skipped.
func FetchMultiEndpoint(ctx context.Context, c *client.Client, endpoints []Endpoint, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = ModeConcat
	}
	if err := opts.validate(endpoints); err != nil {
		return nil, fmt.Errorf("invalid merge: %w", err)
	}

	ctx, span := tracer.Start(ctx, "merge.FetchMultiEndpoint")
	defer span.End()
	span.SetAttributes(
		attribute.String("merge.mode", string(opts.Mode)),
		attribute.Int("merge.endpoints", len(endpoints)),
	)

	logger := logging.FromContext(ctx)
	start := time.Now()

	result := &Result{PerEndpoint: make(map[string]EndpointStats, len(endpoints))}
	var all []adapter.Feature

	for _, ep := range endpoints {
		epLogger := logger.With().Str("endpoint", ep.ID).Logger()
		epCtx := epLogger.WithContext(ctx)

		features, err := fetchEndpoint(epCtx, c, ep, opts)
		if err != nil {
			endpointFailuresTotal.WithLabelValues(strconv.FormatBool(ep.Optional)).Inc()

			if !ep.Optional {
				span.RecordError(err)
				span.SetStatus(codes.Error, "required endpoint failed")
				epLogger.Error().Err(err).Msg("Required endpoint failed")
				return nil, &EndpointError{EndpointID: ep.ID, Err: err}
			}

			epLogger.Warn().Err(err).Msg("Optional endpoint failed, skipping")
			result.PerEndpoint[ep.ID] = EndpointStats{Error: err.Error()}
			continue
		}

		for _, f := range features {
			f.Stamp(ep.Metadata)
		}
		result.PerEndpoint[ep.ID] = EndpointStats{Fetched: len(features)}
		all = append(all, features...)

		epLogger.Info().Int("fetched", len(features)).Msg("Endpoint fetched")
	}

	if opts.Mode == ModeDedupe {
		before := len(all)
		all = Dedupe(all, opts.IDProperty)
		if dropped := before - len(all); dropped > 0 {
			dedupeDroppedTotal.Add(float64(dropped))
			logger.Info().Int("dropped", dropped).Str("id_property", opts.IDProperty).Msg("Removed duplicate records")
		}
	}

	result.Features = all
	result.TotalFetched = len(all)

	span.SetAttributes(attribute.Int("merge.total", result.TotalFetched))
	logger.Info().
		Int("total", result.TotalFetched).
		Int("endpoints", len(endpoints)).
		Dur("duration", time.Since(start)).
		Msg("Merge complete")

	return result, nil
}

func fetchEndpoint(ctx context.Context, c *client.Client, ep Endpoint, opts Options) ([]adapter.Feature, error) {
	src, err := adapter.Bind(ep.Adapter, c)
	if err != nil {
		return nil, err
	}

	fetchOpts := opts.Fetch
	fetchOpts.OnFeatures = nil
	fetchOpts.SkipBuffer = false
	fetchOpts.OnProgress = nil
	if opts.OnProgress != nil {
		fetchOpts.OnProgress = func(p pagination.Progress) {
			opts.OnProgress(ep.ID, p)
		}
	}

	res, err := pagination.ParallelFetch(ctx, src, fetchOpts)
	if err != nil {
		return nil, err
	}
	return res.Features, nil
}

// Dedupe keeps the first record per value of idProperty. Records without
// the attribute, or with a null value, are always kept. Values of
// different types never collide.
func Dedupe(features []adapter.Feature, idProperty string) []adapter.Feature {
	seen := make(map[string]struct{}, len(features))
	out := make([]adapter.Feature, 0, len(features))
	for _, f := range features {
		id, ok := f.ID(idProperty)
		if !ok {
			out = append(out, f)
			continue
		}
		key := fmt.Sprintf("%T:%v", id, id)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
