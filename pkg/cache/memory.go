package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jcliff/orrery-sub001/pkg/adapter"
)

const storeMemory = "memory"

// MemoryStore is an in-process FeatureCache. Features are stored encoded,
// so later mutation of an upserted feature does not leak into the store.
type MemoryStore struct {
	mu       sync.RWMutex
	meta     map[string]SourceMetadata
	features map[string]map[string][]byte
	now      func() time.Time
}

var _ FeatureCache = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meta:     make(map[string]SourceMetadata),
		features: make(map[string]map[string][]byte),
		now:      time.Now,
	}
}

// GetSourceMetadata implements FeatureCache.
func (s *MemoryStore) GetSourceMetadata(_ context.Context, sourceID string) (*SourceMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.meta[sourceID]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

// UpsertFeatures implements FeatureCache.
func (s *MemoryStore) UpsertFeatures(_ context.Context, sourceID string, features []adapter.Feature, idFn IDFunc) error {
	encoded := make(map[string][]byte, len(features))
	var written int
	for i, f := range features {
		data, err := gojson.Marshal(f)
		if err != nil {
			CacheErrors.WithLabelValues("upsert").Inc()
			return err
		}
		encoded[featureID(idFn, f, i)] = data
		written += len(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.features[sourceID]
	if !ok {
		stored = make(map[string][]byte, len(encoded))
		s.features[sourceID] = stored
	}
	for id, data := range encoded {
		stored[id] = data
	}

	FeaturesWritten.WithLabelValues(storeMemory).Add(float64(len(features)))
	BytesWritten.WithLabelValues(storeMemory).Add(float64(written))
	return nil
}

// UpdateSourceMetadata implements FeatureCache.
func (s *MemoryStore) UpdateSourceMetadata(_ context.Context, sourceID string, patch MetadataPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.meta[sourceID]
	patch.apply(&meta)
	s.meta[sourceID] = meta
	return nil
}

// NeedsRefresh implements FeatureCache.
func (s *MemoryStore) NeedsRefresh(ctx context.Context, sourceID string, maxAge time.Duration) (bool, error) {
	meta, _ := s.GetSourceMetadata(ctx, sourceID)
	return needsRefresh(meta, maxAge, s.now()), nil
}

// GetFeatures implements FeatureCache.
func (s *MemoryStore) GetFeatures(_ context.Context, sourceID string) ([]adapter.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.features[sourceID]
	if len(stored) == 0 {
		CacheMisses.WithLabelValues(storeMemory).Inc()
		return nil, ErrCacheMiss
	}

	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	features := make([]adapter.Feature, 0, len(ids))
	for _, id := range ids {
		var f adapter.Feature
		if err := gojson.Unmarshal(stored[id], &f); err != nil {
			return nil, err
		}
		features = append(features, f)
	}

	CacheHits.WithLabelValues(storeMemory).Inc()
	return features, nil
}

// Delete implements FeatureCache.
func (s *MemoryStore) Delete(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.meta, sourceID)
	delete(s.features, sourceID)
	return nil
}
