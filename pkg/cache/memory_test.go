package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/adapter"
)

// exerciseStore runs the FeatureCache contract against a store.
func exerciseStore(t *testing.T, store FeatureCache) {
	t.Helper()
	ctx := context.Background()

	meta, err := store.GetSourceMetadata(ctx, "parcels")
	if err != nil || meta != nil {
		t.Fatalf("GetSourceMetadata() on empty store = %v, %v; want nil, nil", meta, err)
	}

	stale, err := store.NeedsRefresh(ctx, "parcels", time.Hour)
	if err != nil || !stale {
		t.Errorf("NeedsRefresh() without metadata = %v, %v; want true", stale, err)
	}

	if _, err := store.GetFeatures(ctx, "parcels"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("GetFeatures() on empty store = %v, want ErrCacheMiss", err)
	}

	features := []adapter.Feature{
		{"type": "Feature", "properties": map[string]any{"OBJECTID": 1.0, "name": "a"}},
		{"type": "Feature", "properties": map[string]any{"OBJECTID": 2.0, "name": "b"}},
	}
	if err := store.UpsertFeatures(ctx, "parcels", features, PropertyID("OBJECTID")); err != nil {
		t.Fatalf("UpsertFeatures() error = %v", err)
	}

	updated := []adapter.Feature{
		{"type": "Feature", "properties": map[string]any{"OBJECTID": 2.0, "name": "b2"}},
	}
	if err := store.UpsertFeatures(ctx, "parcels", updated, PropertyID("OBJECTID")); err != nil {
		t.Fatalf("UpsertFeatures() error = %v", err)
	}

	got, err := store.GetFeatures(ctx, "parcels")
	if err != nil {
		t.Fatalf("GetFeatures() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetFeatures() returned %d features, want 2", len(got))
	}
	if name := got[1].Properties()["name"]; name != "b2" {
		t.Errorf("Feature 2 name = %v, want b2 after upsert", name)
	}

	now := time.Now()
	if err := store.UpdateSourceMetadata(ctx, "parcels", MetadataPatch{
		RecordCount: Int(2),
		LastFetched: Time(now),
	}); err != nil {
		t.Fatalf("UpdateSourceMetadata() error = %v", err)
	}
	if err := store.UpdateSourceMetadata(ctx, "parcels", MetadataPatch{ETag: String(`"abc"`)}); err != nil {
		t.Fatalf("UpdateSourceMetadata() error = %v", err)
	}

	meta, err = store.GetSourceMetadata(ctx, "parcels")
	if err != nil || meta == nil {
		t.Fatalf("GetSourceMetadata() = %v, %v", meta, err)
	}
	if meta.RecordCount != 2 || meta.ETag != `"abc"` || !meta.LastFetched.Equal(now) {
		t.Errorf("Unexpected metadata: %+v", meta)
	}

	stale, err = store.NeedsRefresh(ctx, "parcels", time.Hour)
	if err != nil || stale {
		t.Errorf("NeedsRefresh() after fetch = %v, %v; want false", stale, err)
	}
	stale, _ = store.NeedsRefresh(ctx, "parcels", 0)
	if !stale {
		t.Error("NeedsRefresh() with zero max age should be true")
	}

	if err := store.Delete(ctx, "parcels"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if meta, _ := store.GetSourceMetadata(ctx, "parcels"); meta != nil {
		t.Errorf("GetSourceMetadata() after Delete = %+v, want nil", meta)
	}
	if _, err := store.GetFeatures(ctx, "parcels"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("GetFeatures() after Delete = %v, want ErrCacheMiss", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_IsolatesStoredFeatures(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	f := adapter.Feature{"id": "x", "v": 1.0}
	if err := store.UpsertFeatures(ctx, "s", []adapter.Feature{f}, PropertyID("id")); err != nil {
		t.Fatalf("UpsertFeatures() error = %v", err)
	}
	f["v"] = 2.0

	got, _ := store.GetFeatures(ctx, "s")
	if got[0]["v"] != 1.0 {
		t.Errorf("Stored feature changed to %v after caller mutation", got[0]["v"])
	}
}

func TestMemoryStore_FallbackIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rows := []adapter.Feature{{"v": 1.0}, {"v": 2.0}, {"v": 3.0}}
	if err := store.UpsertFeatures(ctx, "s", rows, PropertyID("id")); err != nil {
		t.Fatalf("UpsertFeatures() error = %v", err)
	}

	got, _ := store.GetFeatures(ctx, "s")
	if len(got) != 3 {
		t.Errorf("GetFeatures() returned %d features, want 3", len(got))
	}
}
