package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jcliff/orrery-sub001/pkg/adapter"
	"github.com/jcliff/orrery-sub001/pkg/logging"
	"github.com/redis/go-redis/v9"
)

const (
	storeRedis = "redis"

	// upsertChunk bounds the number of fields per HSET.
	upsertChunk = 500
)

// RedisStore is a FeatureCache backed by Redis.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

var _ FeatureCache = (*RedisStore)(nil)

// NewRedisStore creates a store on the given client.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		now:   time.Now,
	}
}

// GetSourceMetadata implements FeatureCache.
func (s *RedisStore) GetSourceMetadata(ctx context.Context, sourceID string) (*SourceMetadata, error) {
	data, err := s.redis.Get(ctx, Key{SourceID: sourceID}.Meta()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		CacheErrors.WithLabelValues("get_meta").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var meta SourceMetadata
	if err := gojson.Unmarshal(data, &meta); err != nil {
		CacheErrors.WithLabelValues("get_meta").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &meta, nil
}

// UpsertFeatures implements FeatureCache.
func (s *RedisStore) UpsertFeatures(ctx context.Context, sourceID string, features []adapter.Feature, idFn IDFunc) error {
	if len(features) == 0 {
		return nil
	}
	key := Key{SourceID: sourceID}.Features()

	var written int
	for start := 0; start < len(features); start += upsertChunk {
		end := min(start+upsertChunk, len(features))

		fields := make(map[string]any, end-start)
		for i := start; i < end; i++ {
			data, err := gojson.Marshal(features[i])
			if err != nil {
				CacheErrors.WithLabelValues("upsert").Inc()
				return fmt.Errorf("marshal feature %d: %w", i, err)
			}
			fields[featureID(idFn, features[i], i)] = data
			written += len(data)
		}

		if err := s.redis.HSet(ctx, key, fields).Err(); err != nil {
			CacheErrors.WithLabelValues("upsert").Inc()
			return fmt.Errorf("redis hset: %w", err)
		}
	}

	FeaturesWritten.WithLabelValues(storeRedis).Add(float64(len(features)))
	BytesWritten.WithLabelValues(storeRedis).Add(float64(written))

	logging.FromContext(ctx).Debug().
		Str("source", sourceID).
		Int("features", len(features)).
		Int("bytes", written).
		Msg("Features upserted")

	return nil
}

// UpdateSourceMetadata implements FeatureCache. The read-modify-write runs
// in a WATCH transaction, so concurrent patches are not lost.
func (s *RedisStore) UpdateSourceMetadata(ctx context.Context, sourceID string, patch MetadataPatch) error {
	key := Key{SourceID: sourceID}.Meta()

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		meta := &SourceMetadata{}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if err := gojson.Unmarshal(data, meta); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
			}
		}

		patch.apply(meta)
		updated, err := gojson.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		CacheErrors.WithLabelValues("set_meta").Inc()
		return err
	}
	return nil
}

// NeedsRefresh implements FeatureCache.
func (s *RedisStore) NeedsRefresh(ctx context.Context, sourceID string, maxAge time.Duration) (bool, error) {
	meta, err := s.GetSourceMetadata(ctx, sourceID)
	if err != nil {
		return false, err
	}
	return needsRefresh(meta, maxAge, s.now()), nil
}

// GetFeatures implements FeatureCache.
func (s *RedisStore) GetFeatures(ctx context.Context, sourceID string) ([]adapter.Feature, error) {
	fields, err := s.redis.HGetAll(ctx, Key{SourceID: sourceID}.Features()).Result()
	if err != nil {
		CacheErrors.WithLabelValues("get_features").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		CacheMisses.WithLabelValues(storeRedis).Inc()
		return nil, ErrCacheMiss
	}

	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	features := make([]adapter.Feature, 0, len(ids))
	for _, id := range ids {
		var f adapter.Feature
		if err := gojson.Unmarshal([]byte(fields[id]), &f); err != nil {
			CacheErrors.WithLabelValues("get_features").Inc()
			return nil, fmt.Errorf("%w: feature %s: %v", ErrInvalidEntry, id, err)
		}
		features = append(features, f)
	}

	CacheHits.WithLabelValues(storeRedis).Inc()
	return features, nil
}

// Delete implements FeatureCache.
func (s *RedisStore) Delete(ctx context.Context, sourceID string) error {
	key := Key{SourceID: sourceID}
	if err := s.redis.Del(ctx, key.Meta(), key.Features()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
