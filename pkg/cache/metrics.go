package cache

import (
	"github.com/jcliff/orrery-sub001/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var factory = promauto.With(metrics.Registry)

var (
	// CacheHits tracks GetFeatures calls served by store ("redis", "memory")
	CacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_hits_total",
			Help: "Total number of feature cache hits",
		},
		[]string{"store"},
	)

	// CacheMisses tracks GetFeatures calls that found nothing
	CacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_misses_total",
			Help: "Total number of feature cache misses",
		},
		[]string{"store"},
	)

	// FeaturesWritten tracks upserted features
	FeaturesWritten = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_features_written_total",
			Help: "Total number of features upserted into the cache",
		},
		[]string{"store"},
	)

	// BytesWritten tracks encoded bytes written
	BytesWritten = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_written_bytes_total",
			Help: "Total number of encoded bytes written to the cache",
		},
		[]string{"store"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get_meta", "set_meta", "upsert", "get_features", "delete"
	)
)
