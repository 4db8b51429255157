// Package config parses harvest job files.
//
// Example job:
//
//	name: parcels
//	max_age: 24h
//	merge: dedupe
//	id_property: OBJECTID
//
//	output:
//	  path: out/parcels.geojson
//	  format: geojson
//
//	fetch:
//	  concurrency: 4
//	  batch_size: 2000
//	  delay: 250ms
//	  delay_every: 5
//	  retry:
//	    max_retries: 3
//	    base_delay: 1s
//	    max_delay: 10s
//
//	endpoints:
//	  - id: north
//	    url: https://gis.example.com/arcgis/rest/services/Parcels/FeatureServer/0/query
//	    where: "STATUS = 'ACTIVE'"
//	    metadata:
//	      district: north
//	  - id: permits
//	    type: offset
//	    url: https://data.example.com/resource/abcd-1234.json
//	    order: ":id"
//	    optional: true
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/jcliff/orrery-sub001/pkg/adapter"
	"github.com/jcliff/orrery-sub001/pkg/client"
	"github.com/jcliff/orrery-sub001/pkg/merge"
	"github.com/jcliff/orrery-sub001/pkg/pagination"
	"github.com/jcliff/orrery-sub001/pkg/retry"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatGeoJSON = "geojson"
	FormatNDJSON  = "ndjson"
)

// Endpoint types.
const (
	TypePaged  = "paged"
	TypeOffset = "offset"
)

// defaultMaxAge is how long a cached harvest stays fresh when the job does
// not say otherwise.
const defaultMaxAge = 24 * time.Hour

// Job is the root structure of a job file.
type Job struct {
	// Name identifies the job, and keys its cached data.
	Name string `yaml:"name"`

	// MaxAge is how long a previous harvest stays fresh. Defaults to 24h.
	MaxAge Duration `yaml:"max_age"`

	// Merge is "concat" (default) or "dedupe".
	Merge string `yaml:"merge"`

	// IDProperty names the id attribute used for dedupe and cache ids.
	IDProperty string `yaml:"id_property"`

	Output OutputConfig `yaml:"output"`
	Fetch  FetchConfig  `yaml:"fetch"`
	HTTP   HTTPConfig   `yaml:"http"`

	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// OutputConfig defines where harvested features are written.
type OutputConfig struct {
	// Path is the output file. Empty or "-" means stdout.
	Path string `yaml:"path"`

	// Format is "geojson" (default) or "ndjson".
	Format string `yaml:"format"`
}

// FetchConfig tunes pagination. Zero values take the engine defaults.
type FetchConfig struct {
	Concurrency int      `yaml:"concurrency"`
	BatchSize   int      `yaml:"batch_size"`
	MaxBatches  int      `yaml:"max_batches"`
	Delay       Duration `yaml:"delay"`
	DelayEvery  int      `yaml:"delay_every"`

	// SkipBuffer streams records to the output without holding them in
	// memory. Requires a single endpoint and ndjson output.
	SkipBuffer bool `yaml:"skip_buffer"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxRetries *int     `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`

	// FailFast4xx stops retrying 4xx responses other than 408 and 429.
	FailFast4xx bool `yaml:"fail_fast_4xx"`
}

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	UserAgent string   `yaml:"user_agent"`
	Timeout   Duration `yaml:"timeout"`

	// Headers are sent with every request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`
}

// EndpointConfig defines one source endpoint.
type EndpointConfig struct {
	ID string `yaml:"id"`

	// Type is "paged" (default) or "offset".
	Type string `yaml:"type"`

	// URL supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	Where  string   `yaml:"where"`
	Fields []string `yaml:"fields"`

	// OutSR applies to paged endpoints.
	OutSR int `yaml:"out_sr"`

	// Order applies to offset endpoints.
	Order string `yaml:"order"`

	Optional bool           `yaml:"optional"`
	Metadata map[string]any `yaml:"metadata"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		sub := envVarPattern.FindStringSubmatch(match)
		varName := sub[1]
		hasDefault := sub[2] != ""

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return sub[3]
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a job file.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return Parse(data)
}

// Parse parses job YAML, applies defaults, expands environment variables
// and validates the result.
func Parse(data []byte) (*Job, error) {
	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if job.MaxAge == 0 {
		job.MaxAge = Duration(defaultMaxAge)
	}
	if job.Merge == "" {
		job.Merge = string(merge.ModeConcat)
	}
	if job.Output.Format == "" {
		job.Output.Format = FormatGeoJSON
	}
	for i := range job.Endpoints {
		if job.Endpoints[i].Type == "" {
			job.Endpoints[i].Type = TypePaged
		}
	}

	if err := job.expandAndValidate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// expandAndValidate expands environment variables and validates the job.
func (j *Job) expandAndValidate() error {
	if j.Name == "" {
		return errors.New("name is required")
	}
	if j.MaxAge.Duration() < 0 {
		return fmt.Errorf("max_age cannot be negative, got %s", j.MaxAge.Duration())
	}

	switch merge.Mode(j.Merge) {
	case merge.ModeConcat:
	case merge.ModeDedupe:
		if j.IDProperty == "" {
			return errors.New("merge: dedupe requires id_property")
		}
	default:
		return fmt.Errorf("merge must be concat or dedupe, got %q", j.Merge)
	}

	if j.Output.Format != FormatGeoJSON && j.Output.Format != FormatNDJSON {
		return fmt.Errorf("output.format must be geojson or ndjson, got %q", j.Output.Format)
	}

	if err := j.Fetch.validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if j.Fetch.SkipBuffer && (len(j.Endpoints) != 1 || j.Output.Format != FormatNDJSON) {
		return errors.New("fetch.skip_buffer requires exactly one endpoint and ndjson output")
	}

	if j.HTTP.Timeout.Duration() < 0 {
		return fmt.Errorf("http.timeout cannot be negative, got %s", j.HTTP.Timeout.Duration())
	}
	for k, v := range j.HTTP.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("http.headers[%s]: %w", k, err)
		}
		j.HTTP.Headers[k] = expanded
	}

	if len(j.Endpoints) == 0 {
		return errors.New("at least one endpoint must be defined")
	}

	seen := make(map[string]struct{}, len(j.Endpoints))
	for i := range j.Endpoints {
		ep := &j.Endpoints[i]

		if ep.ID == "" {
			return fmt.Errorf("endpoints[%d]: id is required", i)
		}
		if _, dup := seen[ep.ID]; dup {
			return fmt.Errorf("endpoints[%d]: duplicate id %q", i, ep.ID)
		}
		seen[ep.ID] = struct{}{}

		if ep.Type != TypePaged && ep.Type != TypeOffset {
			return fmt.Errorf("endpoints[%d] (%s): type must be paged or offset, got %q", i, ep.ID, ep.Type)
		}

		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d] (%s): url is required", i, ep.ID)
		}
		expanded, err := expandEnvVars(ep.URL)
		if err != nil {
			return fmt.Errorf("endpoints[%d] (%s): url: %w", i, ep.ID, err)
		}
		ep.URL = expanded

		parsedURL, err := url.Parse(ep.URL)
		if err != nil {
			return fmt.Errorf("endpoints[%d] (%s): invalid url: %w", i, ep.ID, err)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("endpoints[%d] (%s): url scheme must be http or https, got %q", i, ep.ID, parsedURL.Scheme)
		}

		if ep.OutSR < 0 {
			return fmt.Errorf("endpoints[%d] (%s): out_sr cannot be negative", i, ep.ID)
		}
	}

	return nil
}

func (f FetchConfig) validate() error {
	if f.Concurrency < 0 {
		return fmt.Errorf("concurrency cannot be negative, got %d", f.Concurrency)
	}
	if f.BatchSize < 0 {
		return fmt.Errorf("batch_size cannot be negative, got %d", f.BatchSize)
	}
	if f.MaxBatches < 0 {
		return fmt.Errorf("max_batches cannot be negative, got %d", f.MaxBatches)
	}
	if f.Delay.Duration() < 0 {
		return fmt.Errorf("delay cannot be negative, got %s", f.Delay.Duration())
	}
	if f.DelayEvery < 0 {
		return fmt.Errorf("delay_every cannot be negative, got %d", f.DelayEvery)
	}
	if f.Retry.MaxRetries != nil && *f.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative, got %d", *f.Retry.MaxRetries)
	}
	return f.Retry.Policy().Validate()
}

// Policy returns the retry policy, filling unset fields from
// retry.DefaultPolicy.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxRetries != nil {
		p.MaxRetries = *r.MaxRetries
	}
	if r.BaseDelay != 0 {
		p.BaseDelay = r.BaseDelay.Duration()
	}
	if r.MaxDelay != 0 {
		p.MaxDelay = r.MaxDelay.Duration()
	}
	if r.FailFast4xx {
		p.Retryable = client.RetryableStatus
	}
	return p
}

// FetchOptions returns the pagination options of the job. Callbacks are
// left for the caller to set.
func (j *Job) FetchOptions() pagination.Options[adapter.Feature] {
	return pagination.Options[adapter.Feature]{
		Concurrency: j.Fetch.Concurrency,
		BatchSize:   j.Fetch.BatchSize,
		MaxBatches:  j.Fetch.MaxBatches,
		Retry:       j.Fetch.Retry.Policy(),
		SkipBuffer:  j.Fetch.SkipBuffer,
		Delay:       j.Fetch.Delay.Duration(),
		DelayEvery:  j.Fetch.DelayEvery,
	}
}

// MergeOptions returns the merge options of the job.
func (j *Job) MergeOptions() merge.Options {
	fetch := j.FetchOptions()
	fetch.SkipBuffer = false
	return merge.Options{
		Mode:       merge.Mode(j.Merge),
		IDProperty: j.IDProperty,
		Fetch:      fetch,
	}
}

// ClientConfig returns the HTTP client configuration of the job.
func (j *Job) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	if j.HTTP.UserAgent != "" {
		cfg.UserAgent = j.HTTP.UserAgent
	}
	if j.HTTP.Timeout != 0 {
		cfg.Timeout = j.HTTP.Timeout.Duration()
	}
	cfg.Headers = j.HTTP.Headers
	return cfg
}

// MergeEndpoints returns the endpoints of the job.
func (j *Job) MergeEndpoints() []merge.Endpoint {
	endpoints := make([]merge.Endpoint, 0, len(j.Endpoints))
	for _, ep := range j.Endpoints {
		endpoints = append(endpoints, merge.Endpoint{
			ID:       ep.ID,
			Adapter:  ep.Descriptor(),
			Optional: ep.Optional,
			Metadata: ep.Metadata,
		})
	}
	return endpoints
}

// Descriptor returns the source descriptor of the endpoint.
func (e EndpointConfig) Descriptor() adapter.Descriptor {
	if e.Type == TypeOffset {
		return adapter.Offset{URL: e.URL, Where: e.Where, Fields: e.Fields, Order: e.Order}
	}
	return adapter.Paged{URL: e.URL, Where: e.Where, Fields: e.Fields, OutSR: e.OutSR}
}
