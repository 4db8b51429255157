// Package cache stores harvested features and per-source fetch metadata, so
// a job can skip re-harvesting a source that is still fresh.
//
// Two stores implement FeatureCache:
//
//   - RedisStore keeps metadata as a JSON document and features in a hash
//     keyed by feature id
//   - MemoryStore keeps everything in process, for tests and one-shot runs
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := cache.NewRedisStore(redisClient)
//
//	stale, err := store.NeedsRefresh(ctx, "parcels", 24*time.Hour)
//	if err != nil {
//		return err
//	}
//	if !stale {
//		features, err := store.GetFeatures(ctx, "parcels")
//		// serve from cache
//	}
//
//	// after a fetch
//	_ = store.UpsertFeatures(ctx, "parcels", result.Features, cache.PropertyID("OBJECTID"))
//	_ = store.UpdateSourceMetadata(ctx, "parcels", cache.MetadataPatch{
//		RecordCount: cache.Int(result.TotalFetched),
//		LastFetched: cache.Time(time.Now()),
//	})
//
// # Metrics
//
//   - harvest_cache_hits_total{store} - GetFeatures served from the store
//   - harvest_cache_misses_total{store} - GetFeatures found nothing
//   - harvest_cache_features_written_total{store} - Features upserted
//   - harvest_cache_written_bytes_total{store} - Encoded bytes written
//   - harvest_cache_errors_total{operation} - Store operation errors
package cache
