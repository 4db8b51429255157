package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jcliff/orrery-sub001/pkg/adapter"
	"github.com/jcliff/orrery-sub001/pkg/cache"
	"github.com/jcliff/orrery-sub001/pkg/client"
	"github.com/jcliff/orrery-sub001/pkg/config"
	"github.com/jcliff/orrery-sub001/pkg/logging"
	"github.com/jcliff/orrery-sub001/pkg/merge"
	"github.com/jcliff/orrery-sub001/pkg/pagination"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Harvest a job",
	Long: `Harvest every endpoint of a job and write the merged dataset.

A job whose cached harvest is younger than max_age is served from the cache
unless --force is given. A failing required endpoint fails the run; optional
endpoints are reported and skipped.

Example:
  harvest run -c job.yaml
  HARVEST_REDIS_URL=redis://localhost:6379/0 harvest run -c job.yaml --force`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to job file (required)")
	runCmd.Flags().Bool("force", false, "harvest even when the cached data is fresh")
	_ = runCmd.MarkFlagRequired("config")
}

// runOptions are the collaborators of a single run.
type runOptions struct {
	Store      cache.FeatureCache
	Stdout     io.Writer
	Force      bool
	HTTPClient *http.Client
}

// runSummary describes a finished run.
type runSummary struct {
	RunID       string
	FromCache   bool
	Total       int
	PerEndpoint map[string]merge.EndpointStats
}

func runRun(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	force, _ := cmd.Flags().GetBool("force")

	job, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewLogger("harvest").WithContext(ctx)

	if viper.GetBool("trace") {
		shutdown, err := setupTracing(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		stopMetrics := startMetricsServer(ctx, addr)
		defer stopMetrics()
	}

	store, closeStore, err := openStore(ctx, viper.GetString("redis-url"))
	if err != nil {
		return err
	}
	defer closeStore()

	summary, err := runJob(ctx, job, runOptions{
		Store:  store,
		Stdout: cmd.OutOrStdout(),
		Force:  force,
	})
	if err != nil {
		return err
	}

	for id, stats := range summary.PerEndpoint {
		if stats.Error != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: optional endpoint %s failed: %s\n", id, stats.Error)
		}
	}
	return nil
}

// openStore connects to Redis, or returns an in-memory store when no URL
// is configured.
func openStore(ctx context.Context, redisURL string) (cache.FeatureCache, func(), error) {
	if redisURL == "" {
		return cache.NewMemoryStore(), func() {}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logging.FromContext(ctx).Debug().Str("addr", opts.Addr).Msg("Connected to redis")
	return cache.NewRedisStore(redisClient), func() { redisClient.Close() }, nil
}

// runJob executes one harvest of job.
func runJob(ctx context.Context, job *config.Job, opts runOptions) (*runSummary, error) {
	runID := uuid.NewString()
	logger := logging.FromContext(ctx).With().
		Str("run_id", runID).
		Str("job", job.Name).
		Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := otel.Tracer("github.com/jcliff/orrery-sub001/cmd/harvest").Start(ctx, "harvest.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("harvest.job", job.Name),
		attribute.String("harvest.run_id", runID),
	)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		logger = logger.With().Str("trace_id", sc.TraceID().String()).Logger()
		ctx = logger.WithContext(ctx)
	}

	start := time.Now()
	summary := &runSummary{RunID: runID}

	if !opts.Force {
		served, err := serveFromCache(ctx, job, opts, summary)
		if err != nil {
			return nil, err
		}
		if served {
			return summary, nil
		}
	}

	c, err := client.New(job.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	if opts.HTTPClient != nil {
		c.SetHTTPClient(opts.HTTPClient)
	}

	out, err := openOutput(job.Output, opts.Stdout)
	if err != nil {
		return nil, err
	}

	idFn := sequentialID(job.IDProperty)
	if job.Fetch.SkipBuffer {
		err = streamSingle(ctx, c, job, out, opts.Store, idFn, summary)
	} else {
		err = fetchMerged(ctx, c, job, out, opts.Store, idFn, summary)
	}
	if err != nil {
		out.Abort()
		span.RecordError(err)
		return nil, err
	}
	if err := out.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("write output: %w", err)
	}

	if err := opts.Store.UpdateSourceMetadata(ctx, job.Name, cache.MetadataPatch{
		RecordCount: cache.Int(summary.Total),
		LastFetched: cache.Time(time.Now()),
	}); err != nil {
		return nil, fmt.Errorf("update cache metadata: %w", err)
	}

	logger.Info().
		Int("total", summary.Total).
		Int("endpoints", len(job.Endpoints)).
		Dur("duration", time.Since(start)).
		Msg("Harvest complete")

	return summary, nil
}

// serveFromCache writes the cached features when the job is still fresh.
func serveFromCache(ctx context.Context, job *config.Job, opts runOptions, summary *runSummary) (bool, error) {
	logger := logging.FromContext(ctx)

	stale, err := opts.Store.NeedsRefresh(ctx, job.Name, job.MaxAge.Duration())
	if err != nil {
		return false, fmt.Errorf("check cache freshness: %w", err)
	}
	if stale {
		return false, nil
	}

	features, err := opts.Store.GetFeatures(ctx, job.Name)
	if errors.Is(err, cache.ErrCacheMiss) {
		logger.Warn().Msg("Cache metadata is fresh but no features are stored, harvesting")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cached features: %w", err)
	}

	out, err := openOutput(job.Output, opts.Stdout)
	if err != nil {
		return false, err
	}
	if err := out.WriteFeatures(features); err != nil {
		out.Abort()
		return false, fmt.Errorf("write output: %w", err)
	}
	if err := out.Commit(); err != nil {
		return false, fmt.Errorf("write output: %w", err)
	}

	summary.FromCache = true
	summary.Total = len(features)
	logger.Info().Int("total", summary.Total).Msg("Cache is fresh, served cached features")
	return true, nil
}

// fetchMerged fetches every endpoint through the merge orchestrator, then
// writes and caches the merged dataset.
func fetchMerged(ctx context.Context, c *client.Client, job *config.Job, out featureWriter, store cache.FeatureCache, idFn cache.IDFunc, summary *runSummary) error {
	mopts := job.MergeOptions()
	mopts.OnProgress = progressLogger(ctx)

	result, err := merge.FetchMultiEndpoint(ctx, c, job.MergeEndpoints(), mopts)
	if err != nil {
		return err
	}

	if err := out.WriteFeatures(result.Features); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := store.UpsertFeatures(ctx, job.Name, result.Features, idFn); err != nil {
		return fmt.Errorf("cache features: %w", err)
	}

	summary.Total = result.TotalFetched
	summary.PerEndpoint = result.PerEndpoint
	return nil
}

// streamSingle fetches the job's only endpoint, writing and caching each
// batch as it arrives instead of buffering the dataset. An optional endpoint
// is skipped only if it fails before delivering any record; once records
// are cached, a failure discards the source's cache and fails the run.
func streamSingle(ctx context.Context, c *client.Client, job *config.Job, out featureWriter, store cache.FeatureCache, idFn cache.IDFunc, summary *runSummary) error {
	ep := job.Endpoints[0]
	epLogger := logging.FromContext(ctx).With().Str("endpoint", ep.ID).Logger()
	ctx = epLogger.WithContext(ctx)

	src, err := adapter.Bind(ep.Descriptor(), c)
	if err != nil {
		return &merge.EndpointError{EndpointID: ep.ID, Err: err}
	}

	report := progressLogger(ctx)
	delivered := 0
	opts := job.FetchOptions()
	opts.OnProgress = func(p pagination.Progress) { report(ep.ID, p) }
	opts.OnFeatures = func(ctx context.Context, batch []adapter.Feature) error {
		delivered += len(batch)
		for _, f := range batch {
			f.Stamp(ep.Metadata)
		}
		if err := out.WriteFeatures(batch); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		if err := store.UpsertFeatures(ctx, job.Name, batch, idFn); err != nil {
			return fmt.Errorf("cache features: %w", err)
		}
		return nil
	}

	result, err := pagination.ParallelFetch(ctx, src, opts)
	if err != nil {
		if ep.Optional && delivered == 0 {
			epLogger.Warn().Err(err).Msg("Optional endpoint failed, skipping")
			summary.PerEndpoint = map[string]merge.EndpointStats{ep.ID: {Error: err.Error()}}
			return nil
		}
		if derr := store.Delete(context.WithoutCancel(ctx), job.Name); derr != nil {
			epLogger.Error().Err(derr).Msg("Failed to discard partially cached features")
		}
		epLogger.Error().
			Err(err).
			Int("delivered", delivered).
			Msg("Streaming fetch failed, discarded cached features")
		return &merge.EndpointError{EndpointID: ep.ID, Err: err}
	}

	summary.Total = result.TotalFetched
	summary.PerEndpoint = map[string]merge.EndpointStats{ep.ID: {Fetched: result.TotalFetched}}
	return nil
}

func progressLogger(ctx context.Context) func(string, pagination.Progress) {
	logger := logging.FromContext(ctx)
	return func(endpointID string, p pagination.Progress) {
		event := logger.Debug()
		if p.BatchNum%10 == 0 || (p.TotalKnown && p.Fetched >= p.Total) {
			event = logger.Info()
		}
		event.
			Str("endpoint", endpointID).
			Int("fetched", p.Fetched).
			Int("batch", p.BatchNum).
			Msg(p.Message)
	}
}

// sequentialID keys features by idProperty, falling back to their position
// in the run so records without an id never overwrite each other.
func sequentialID(idProperty string) cache.IDFunc {
	var byProperty cache.IDFunc
	if idProperty != "" {
		byProperty = cache.PropertyID(idProperty)
	}

	seq := 0
	return func(f adapter.Feature) string {
		n := seq
		seq++
		if byProperty != nil {
			if id := byProperty(f); id != "" {
				return id
			}
		}
		return "#" + strconv.Itoa(n)
	}
}
