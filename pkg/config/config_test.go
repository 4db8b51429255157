package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/adapter"
	"github.com/jcliff/orrery-sub001/pkg/client"
	"github.com/jcliff/orrery-sub001/pkg/merge"
)

func TestParse_MinimalJob(t *testing.T) {
	yaml := `
name: parcels
endpoints:
  - id: main
    url: https://gis.example.com/FeatureServer/0/query
`
	job, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// check defaults applied
	if job.MaxAge.Duration() != 24*time.Hour {
		t.Errorf("MaxAge = %v, want 24h", job.MaxAge.Duration())
	}
	if job.Merge != "concat" {
		t.Errorf("Merge = %q, want concat", job.Merge)
	}
	if job.Output.Format != FormatGeoJSON {
		t.Errorf("Output.Format = %q, want geojson", job.Output.Format)
	}
	if job.Endpoints[0].Type != TypePaged {
		t.Errorf("Endpoints[0].Type = %q, want paged", job.Endpoints[0].Type)
	}

	policy := job.Fetch.Retry.Policy()
	if policy.MaxRetries != 3 || policy.BaseDelay != time.Second || policy.MaxDelay != 10*time.Second {
		t.Errorf("Unexpected default retry policy: %+v", policy)
	}
	if policy.Retryable != nil {
		t.Error("Default policy should retry every error")
	}
}

func TestParse_FullJob(t *testing.T) {
	yaml := `
name: permits
max_age: 6h
merge: dedupe
id_property: OBJECTID
output:
  path: out/permits.ndjson
  format: ndjson
fetch:
  concurrency: 8
  batch_size: 1000
  max_batches: 50
  delay: 250ms
  delay_every: 5
  retry:
    max_retries: 0
    base_delay: 500ms
    max_delay: 4s
    fail_fast_4xx: true
http:
  user_agent: permits-bot/2.0
  timeout: 30s
  headers:
    X-App-Token: abc
endpoints:
  - id: north
    url: https://gis.example.com/north/query
    where: "STATUS = 'A'"
    fields: [OBJECTID, NAME]
    out_sr: 3857
    metadata:
      district: north
  - id: rows
    type: offset
    url: https://data.example.com/resource/x.json
    order: ":id"
    optional: true
`
	job, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if job.MaxAge.Duration() != 6*time.Hour {
		t.Errorf("MaxAge = %v, want 6h", job.MaxAge.Duration())
	}

	opts := job.FetchOptions()
	if opts.Concurrency != 8 || opts.BatchSize != 1000 || opts.MaxBatches != 50 {
		t.Errorf("Unexpected fetch options: %+v", opts)
	}
	if opts.Delay != 250*time.Millisecond || opts.DelayEvery != 5 {
		t.Errorf("Pacing = %v every %d, want 250ms every 5", opts.Delay, opts.DelayEvery)
	}
	if opts.Retry.MaxRetries != 0 {
		t.Errorf("Retry.MaxRetries = %d, want explicit 0", opts.Retry.MaxRetries)
	}
	if opts.Retry.Retryable == nil || opts.Retry.Retryable(&client.HTTPStatusError{StatusCode: 404}) {
		t.Error("fail_fast_4xx should install a predicate refusing 404")
	}

	mopts := job.MergeOptions()
	if mopts.Mode != merge.ModeDedupe || mopts.IDProperty != "OBJECTID" {
		t.Errorf("Unexpected merge options: %+v", mopts)
	}

	cc := job.ClientConfig()
	if cc.UserAgent != "permits-bot/2.0" || cc.Timeout != 30*time.Second || cc.Headers["X-App-Token"] != "abc" {
		t.Errorf("Unexpected client config: %+v", cc)
	}

	endpoints := job.MergeEndpoints()
	if len(endpoints) != 2 {
		t.Fatalf("len(MergeEndpoints()) = %d, want 2", len(endpoints))
	}

	paged, ok := endpoints[0].Adapter.(adapter.Paged)
	if !ok {
		t.Fatalf("Endpoints[0].Adapter = %T, want adapter.Paged", endpoints[0].Adapter)
	}
	if paged.Where != "STATUS = 'A'" || paged.OutSR != 3857 || len(paged.Fields) != 2 {
		t.Errorf("Unexpected paged descriptor: %+v", paged)
	}
	if endpoints[0].Metadata["district"] != "north" {
		t.Errorf("Metadata = %v", endpoints[0].Metadata)
	}

	offset, ok := endpoints[1].Adapter.(adapter.Offset)
	if !ok {
		t.Fatalf("Endpoints[1].Adapter = %T, want adapter.Offset", endpoints[1].Adapter)
	}
	if offset.Order != ":id" || !endpoints[1].Optional {
		t.Errorf("Unexpected offset endpoint: %+v", endpoints[1])
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("HARVEST_TEST_HOST", "gis.internal")
	t.Setenv("HARVEST_TEST_TOKEN", "s3cret")

	yaml := `
name: env
http:
  headers:
    X-Token: ${HARVEST_TEST_TOKEN}
endpoints:
  - id: a
    url: https://${HARVEST_TEST_HOST}/query
  - id: b
    url: https://${HARVEST_TEST_MISSING_HOST:-fallback.example.com}/query
`
	job, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if job.Endpoints[0].URL != "https://gis.internal/query" {
		t.Errorf("URL = %q", job.Endpoints[0].URL)
	}
	if job.Endpoints[1].URL != "https://fallback.example.com/query" {
		t.Errorf("URL = %q", job.Endpoints[1].URL)
	}
	if job.HTTP.Headers["X-Token"] != "s3cret" {
		t.Errorf("Header = %q", job.HTTP.Headers["X-Token"])
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "endpoints: [{id: a, url: 'https://x'}]",
			wantErr: "name is required",
		},
		{
			name:    "no endpoints",
			yaml:    "name: j",
			wantErr: "at least one endpoint",
		},
		{
			name:    "duplicate ids",
			yaml:    "name: j\nendpoints: [{id: a, url: 'https://x'}, {id: a, url: 'https://y'}]",
			wantErr: "duplicate id",
		},
		{
			name:    "bad scheme",
			yaml:    "name: j\nendpoints: [{id: a, url: 'ftp://x'}]",
			wantErr: "scheme must be http or https",
		},
		{
			name:    "unknown type",
			yaml:    "name: j\nendpoints: [{id: a, type: graphql, url: 'https://x'}]",
			wantErr: "type must be paged or offset",
		},
		{
			name:    "dedupe without id property",
			yaml:    "name: j\nmerge: dedupe\nendpoints: [{id: a, url: 'https://x'}]",
			wantErr: "dedupe requires id_property",
		},
		{
			name:    "unknown merge",
			yaml:    "name: j\nmerge: union\nendpoints: [{id: a, url: 'https://x'}]",
			wantErr: "merge must be concat or dedupe",
		},
		{
			name:    "bad output format",
			yaml:    "name: j\noutput: {format: csv}\nendpoints: [{id: a, url: 'https://x'}]",
			wantErr: "output.format",
		},
		{
			name:    "skip buffer with geojson",
			yaml:    "name: j\nfetch: {skip_buffer: true}\nendpoints: [{id: a, url: 'https://x'}]",
			wantErr: "skip_buffer",
		},
		{
			name:    "negative concurrency",
			yaml:    "name: j\nfetch: {concurrency: -1}\nendpoints: [{id: a, url: 'https://x'}]",
			wantErr: "concurrency cannot be negative",
		},
		{
			name:    "max delay below base",
			yaml:    "name: j\nfetch: {retry: {base_delay: 5s, max_delay: 1s}}\nendpoints: [{id: a, url: 'https://x'}]",
			wantErr: "max delay",
		},
		{
			name:    "invalid duration",
			yaml:    "name: j\nmax_age: soon\nendpoints: [{id: a, url: 'https://x'}]",
			wantErr: "invalid duration",
		},
		{
			name:    "unset env var",
			yaml:    "name: j\nendpoints: [{id: a, url: 'https://${HARVEST_TEST_DEFINITELY_UNSET}/q'}]",
			wantErr: "is not set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	content := "name: file\nendpoints: [{id: a, url: 'https://x/q'}]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	job, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if job.Name != "file" {
		t.Errorf("Name = %q, want file", job.Name)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() missing file error = %v, want os.ErrNotExist", err)
	}
}
