package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/jcliff/orrery-sub001/internal/testutil"
	"github.com/jcliff/orrery-sub001/pkg/cache"
	"github.com/jcliff/orrery-sub001/pkg/config"
	"github.com/jcliff/orrery-sub001/pkg/merge"
)

const fastFetch = `
fetch:
  concurrency: 2
  batch_size: 10
  retry:
    max_retries: 1
    base_delay: 1ms
    max_delay: 1ms
`

func parseJob(t *testing.T, yaml string) *config.Job {
	t.Helper()

	job, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	return job
}

type featureCollection struct {
	Type     string           `json:"type"`
	Features []map[string]any `json:"features"`
}

func readCollection(t *testing.T, path string) featureCollection {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var fc featureCollection
	if err := gojson.Unmarshal(data, &fc); err != nil {
		t.Fatalf("Output is not valid JSON: %v\n%s", err, data)
	}
	return fc
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(newMetricsServer(":0").Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "harvest_retries_total") {
		t.Error("Expected harvest metrics to be registered")
	}
}

func TestRunJob_MergedGeoJSON(t *testing.T) {
	mock := testutil.NewMockFeatureServer()
	defer mock.Close()
	mock.AddLayer("/a/query", testutil.Layer{Records: 25})
	mock.AddLayer("/b/query", testutil.Layer{Records: 25, FirstID: 21})

	out := filepath.Join(t.TempDir(), "out", "merged.geojson")
	job := parseJob(t, `
name: merged
merge: dedupe
id_property: OBJECTID
output:
  path: `+out+fastFetch+`
endpoints:
  - id: a
    url: `+mock.URL()+`/a/query
    metadata: {side: a}
  - id: b
    url: `+mock.URL()+`/b/query
    metadata: {side: b}
`)

	store := cache.NewMemoryStore()
	summary, err := runJob(context.Background(), job, runOptions{Store: store, Stdout: io.Discard})
	if err != nil {
		t.Fatalf("runJob() error = %v", err)
	}

	if summary.Total != 45 {
		t.Errorf("Total = %d, want 45 after dedupe", summary.Total)
	}
	if summary.RunID == "" {
		t.Error("Expected a run id")
	}
	if summary.PerEndpoint["a"].Fetched != 25 || summary.PerEndpoint["b"].Fetched != 25 {
		t.Errorf("PerEndpoint = %+v", summary.PerEndpoint)
	}

	fc := readCollection(t, out)
	if fc.Type != "FeatureCollection" || len(fc.Features) != 45 {
		t.Fatalf("Output has %d features (type %q), want 45", len(fc.Features), fc.Type)
	}
	props, _ := fc.Features[0]["properties"].(map[string]any)
	if props["side"] != "a" {
		t.Errorf("First feature side = %v, want a", props["side"])
	}

	meta, err := store.GetSourceMetadata(context.Background(), "merged")
	if err != nil || meta == nil {
		t.Fatalf("GetSourceMetadata() = %v, %v", meta, err)
	}
	if meta.RecordCount != 45 {
		t.Errorf("RecordCount = %d, want 45", meta.RecordCount)
	}
	cached, err := store.GetFeatures(context.Background(), "merged")
	if err != nil || len(cached) != 45 {
		t.Errorf("Cached %d features (err %v), want 45", len(cached), err)
	}
}

func TestRunJob_ServesFreshCache(t *testing.T) {
	mock := testutil.NewMockFeatureServer()
	defer mock.Close()
	mock.AddLayer("/q", testutil.Layer{Records: 12})

	out := filepath.Join(t.TempDir(), "out.geojson")
	job := parseJob(t, `
name: cached
max_age: 1h
id_property: OBJECTID
output:
  path: `+out+fastFetch+`
endpoints:
  - id: only
    url: `+mock.URL()+`/q
`)

	store := cache.NewMemoryStore()
	if _, err := runJob(context.Background(), job, runOptions{Store: store, Stdout: io.Discard}); err != nil {
		t.Fatalf("First runJob() error = %v", err)
	}
	requests := mock.GetRequestCount()

	summary, err := runJob(context.Background(), job, runOptions{Store: store, Stdout: io.Discard})
	if err != nil {
		t.Fatalf("Second runJob() error = %v", err)
	}
	if !summary.FromCache {
		t.Error("Expected the second run to be served from cache")
	}
	if got := mock.GetRequestCount(); got != requests {
		t.Errorf("Second run made %d requests, want 0", got-requests)
	}
	if fc := readCollection(t, out); len(fc.Features) != 12 {
		t.Errorf("Cached output has %d features, want 12", len(fc.Features))
	}

	summary, err = runJob(context.Background(), job, runOptions{Store: store, Stdout: io.Discard, Force: true})
	if err != nil {
		t.Fatalf("Forced runJob() error = %v", err)
	}
	if summary.FromCache {
		t.Error("Forced run should not be served from cache")
	}
	if mock.GetRequestCount() == requests {
		t.Error("Forced run made no requests")
	}
}

func TestRunJob_StreamingNDJSON(t *testing.T) {
	mock := testutil.NewMockFeatureServer()
	defer mock.Close()
	mock.AddDataset("/rows.json", testutil.Dataset{Records: 23})

	job := parseJob(t, `
name: stream
output:
  format: ndjson
fetch:
  batch_size: 10
  skip_buffer: true
  retry: {max_retries: 1, base_delay: 1ms, max_delay: 1ms}
endpoints:
  - id: rows
    type: offset
    url: `+mock.URL()+`/rows.json
    order: ":id"
    metadata: {source: rows}
`)

	var stdout bytes.Buffer
	store := cache.NewMemoryStore()
	summary, err := runJob(context.Background(), job, runOptions{Store: store, Stdout: &stdout})
	if err != nil {
		t.Fatalf("runJob() error = %v", err)
	}
	if summary.Total != 23 {
		t.Errorf("Total = %d, want 23", summary.Total)
	}

	lines := 0
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		var row map[string]any
		if err := gojson.Unmarshal(scanner.Bytes(), &row); err != nil {
			t.Fatalf("Line %d is not JSON: %v", lines, err)
		}
		if row["source"] != "rows" {
			t.Errorf("Line %d source = %v, want rows", lines, row["source"])
		}
		lines++
	}
	if lines != 23 {
		t.Errorf("Output has %d lines, want 23", lines)
	}

	cached, _ := store.GetFeatures(context.Background(), "stream")
	if len(cached) != 23 {
		t.Errorf("Cached %d features, want 23 (records without ids must not collide)", len(cached))
	}
}

func TestRunJob_RequiredEndpointFails(t *testing.T) {
	mock := testutil.NewMockFeatureServer()
	defer mock.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.geojson")
	previous := `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":null,"properties":{"OBJECTID":1}}]}` + "\n"
	if err := os.WriteFile(out, []byte(previous), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	job := parseJob(t, `
name: broken
output:
  path: `+out+fastFetch+`
endpoints:
  - id: gone
    type: offset
    url: `+mock.URL()+`/gone
`)

	store := cache.NewMemoryStore()
	_, err := runJob(context.Background(), job, runOptions{Store: store, Stdout: io.Discard})

	var epErr *merge.EndpointError
	if !errors.As(err, &epErr) || epErr.EndpointID != "gone" {
		t.Fatalf("Expected EndpointError for gone, got %v", err)
	}
	if meta, _ := store.GetSourceMetadata(context.Background(), "broken"); meta != nil {
		t.Error("Failed run must not record cache metadata")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != previous {
		t.Errorf("Previous output was replaced:\n%s", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Output directory has %d entries, want only the previous output", len(entries))
	}
}

func TestRunJob_StreamingFailureDiscardsCache(t *testing.T) {
	mock := testutil.NewMockFeatureServer()
	defer mock.Close()
	// Offset 20 fails both attempts of the first run, then recovers.
	mock.AddDataset("/rows.json", testutil.Dataset{Records: 50, Failures: map[int]int{20: 2}})

	dir := t.TempDir()
	out := filepath.Join(dir, "rows.ndjson")
	job := parseJob(t, `
name: partial
max_age: 1h
output:
  path: `+out+`
  format: ndjson
fetch:
  batch_size: 10
  skip_buffer: true
  retry: {max_retries: 1, base_delay: 1ms, max_delay: 1ms}
endpoints:
  - id: rows
    type: offset
    url: `+mock.URL()+`/rows.json
    optional: true
`)

	ctx := context.Background()
	store := cache.NewMemoryStore()

	_, err := runJob(ctx, job, runOptions{Store: store, Stdout: io.Discard})
	var epErr *merge.EndpointError
	if !errors.As(err, &epErr) || epErr.EndpointID != "rows" {
		t.Fatalf("Expected EndpointError for rows, got %v", err)
	}
	if meta, _ := store.GetSourceMetadata(ctx, "partial"); meta != nil {
		t.Errorf("Partial run recorded metadata: %+v", meta)
	}
	if _, err := store.GetFeatures(ctx, "partial"); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("Partial features left in cache, GetFeatures() err = %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("Partial output was published, Stat() err = %v", err)
	}

	requests := mock.GetRequestCount()
	summary, err := runJob(ctx, job, runOptions{Store: store, Stdout: io.Discard})
	if err != nil {
		t.Fatalf("Second runJob() error = %v", err)
	}
	if summary.FromCache {
		t.Error("Second run must fetch again, not serve the partial cache")
	}
	if mock.GetRequestCount() == requests {
		t.Error("Second run made no requests")
	}
	if summary.Total != 50 {
		t.Errorf("Total = %d, want 50", summary.Total)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 50 {
		t.Errorf("Output has %d lines, want 50", lines)
	}
}

func TestRunJob_StreamingOptionalEndpointSkipped(t *testing.T) {
	mock := testutil.NewMockFeatureServer()
	defer mock.Close()

	job := parseJob(t, `
name: skipped
output:
  format: ndjson
fetch:
  skip_buffer: true
  retry: {max_retries: 0, base_delay: 1ms, max_delay: 1ms}
endpoints:
  - id: gone
    type: offset
    url: `+mock.URL()+`/gone
    optional: true
`)

	var stdout bytes.Buffer
	summary, err := runJob(context.Background(), job, runOptions{Store: cache.NewMemoryStore(), Stdout: &stdout})
	if err != nil {
		t.Fatalf("runJob() error = %v", err)
	}
	if summary.Total != 0 || summary.PerEndpoint["gone"].Error == "" {
		t.Errorf("Summary = %+v, want the optional failure recorded", summary)
	}
	if stdout.Len() != 0 {
		t.Errorf("Unexpected output: %q", stdout.String())
	}
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	content := "name: demo\nendpoints:\n  - id: a\n    url: https://gis.example.com/q\n    optional: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "-c", path})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out.String(), `Job "demo" is valid`) {
		t.Errorf("Unexpected output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "a [paged] https://gis.example.com/q (optional)") {
		t.Errorf("Endpoint line missing:\n%s", out.String())
	}
}

func TestSequentialID(t *testing.T) {
	idFn := sequentialID("id")

	got := []string{
		idFn(map[string]any{"id": "x"}),
		idFn(map[string]any{}),
		idFn(map[string]any{"id": 5.0}),
		idFn(map[string]any{}),
	}
	want := []string{"x", "#1", "5", "#3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("id %d = %q, want %q", i, got[i], want[i])
		}
	}
}
