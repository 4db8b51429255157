// Package metrics exposes the Prometheus registry shared by the harvest
// packages. Metrics are defined next to the code that records them (client,
// retry, pagination, merge, cache, ratelimit) and registered with Registry
// through promauto.With.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every harvest metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the registered metrics for exposition.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// HTTP Metrics (pkg/client):
//   - harvest_http_requests_total{host, status} (Counter): Requests by host and HTTP status
//   - harvest_http_request_duration_seconds{host} (Histogram): Request duration by host
//   - harvest_http_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/retry):
//   - harvest_retries_total (Counter): Retry attempts
//   - harvest_retry_backoff_seconds (Histogram): Backoff delays
//   - harvest_retry_exhausted_total (Counter): Operations that exhausted their retries
//
// Pagination Metrics (pkg/pagination):
//   - harvest_batches_total{mode} (Counter): Batches fetched by mode (sequential, parallel)
//   - harvest_features_total{mode} (Counter): Records fetched by mode
//   - harvest_fetch_duration_seconds{mode} (Histogram): Duration of a whole paginated fetch
//   - harvest_count_probe_failures_total (Counter): Count probes that failed and forced sequential mode
//
// Pacing Metrics (pkg/ratelimit):
//   - harvest_pacing_waits_total (Counter): Delays inserted before a batch
//   - harvest_pacing_wait_seconds_total (Counter): Time spent in pacing delays
//
// Merge Metrics (pkg/merge):
//   - harvest_endpoint_failures_total{optional} (Counter): Endpoint failures by optionality
//   - harvest_dedupe_dropped_total (Counter): Records dropped as duplicates
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total{store} (Counter): Cached feature reads that found data
//   - harvest_cache_misses_total{store} (Counter): Cached feature reads that found nothing
//   - harvest_cache_features_written_total{store} (Counter): Features upserted
//   - harvest_cache_written_bytes_total{store} (Counter): Encoded bytes upserted
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Retry pressure
//   rate(harvest_retries_total[5m])
//
//   # Share of fetches that lost their count probe
//   rate(harvest_count_probe_failures_total[1h]) / sum(rate(harvest_fetch_duration_seconds_count[1h]))
//
//   # P95 request latency per host
//   histogram_quantile(0.95, sum by (le, host) (rate(harvest_http_request_duration_seconds_bucket[5m])))
//
//   # Optional endpoints failing
//   increase(harvest_endpoint_failures_total{optional="true"}[1d]) > 0
