package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/adapter"
)

var (
	// ErrCacheMiss indicates no features are stored for the source.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored value could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// FeatureCache persists harvested features and fetch metadata per source.
type FeatureCache interface {
	// GetSourceMetadata returns nil, nil when the source was never stored.
	GetSourceMetadata(ctx context.Context, sourceID string) (*SourceMetadata, error)

	// UpsertFeatures stores features under the id returned by idFn,
	// replacing any feature with the same id.
	UpsertFeatures(ctx context.Context, sourceID string, features []adapter.Feature, idFn IDFunc) error

	// UpdateSourceMetadata applies patch to the stored metadata, creating it
	// if needed.
	UpdateSourceMetadata(ctx context.Context, sourceID string, patch MetadataPatch) error

	// NeedsRefresh reports whether the source has no metadata or was last
	// fetched more than maxAge ago.
	NeedsRefresh(ctx context.Context, sourceID string, maxAge time.Duration) (bool, error)

	// GetFeatures returns every stored feature, ordered by id. It returns
	// ErrCacheMiss when nothing is stored.
	GetFeatures(ctx context.Context, sourceID string) ([]adapter.Feature, error)

	// Delete removes the metadata and features of the source.
	Delete(ctx context.Context, sourceID string) error
}

// IDFunc returns the cache id of a feature. An empty id makes the store fall
// back to the feature's position in the upserted slice.
type IDFunc func(f adapter.Feature) string

// PropertyID returns an IDFunc reading the given attribute.
func PropertyID(property string) IDFunc {
	return func(f adapter.Feature) string {
		v, ok := f.ID(property)
		if !ok {
			return ""
		}
		switch id := v.(type) {
		case string:
			return id
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		default:
			return fmt.Sprint(id)
		}
	}
}

// featureID resolves the cache id of the i-th feature.
func featureID(idFn IDFunc, f adapter.Feature, i int) string {
	if idFn != nil {
		if id := idFn(f); id != "" {
			return id
		}
	}
	return "#" + strconv.Itoa(i)
}
