// Package client provides the HTTP transport used by the source adapters,
// with tracing, metrics and a typed error taxonomy.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	gojson "github.com/goccy/go-json"
	"github.com/jcliff/orrery-sub001/pkg/logging"
	"github.com/jcliff/orrery-sub001/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var factory = promauto.With(metrics.Registry)

var tracer = otel.Tracer("github.com/jcliff/orrery-sub001/pkg/client")

// Prometheus metrics for HTTP requests.
var (
	requestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_http_requests_total",
		Help: "Total HTTP requests by host and status",
	}, []string{"host", "status"})

	requestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds by host",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"host"})

	errorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_http_errors_total",
		Help: "Total HTTP errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a single HTTP round trip, including reading the body.
	Timeout time.Duration

	// Headers are added to every request.
	Headers map[string]string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent: "orrery-harvest/0.1",
		Timeout:   60 * time.Second,
	}
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client performs GET requests against paginated JSON APIs.
type Client struct {
	http   *resty.Client
	config Config
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	for k, v := range cfg.Headers {
		httpClient.SetHeader(k, v)
	}

	return &Client{
		http:   httpClient,
		config: cfg,
	}, nil
}

// SetHTTPClient replaces the underlying transport (for testing).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.http = resty.NewWithClient(hc).
		SetTimeout(c.config.Timeout).
		SetHeader("User-Agent", c.config.UserAgent).
		SetHeader("Accept", "application/json")
	for k, v := range c.config.Headers {
		c.http.SetHeader(k, v)
	}
}

// Get issues a GET request. A non-2xx status is returned as *HTTPStatusError
// and a transport failure as *NetworkError. The client never retries; that
// is the caller's job.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	if rawURL == "" {
		return nil, ErrEmptyURL
	}

	host := hostOf(rawURL)
	ctx, span := tracer.Start(ctx, "http GET")
	defer span.End()
	span.SetAttributes(
		attribute.String("url.full", rawURL),
		attribute.String("server.address", host),
	)

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get(rawURL)
	if err != nil {
		netErr := &NetworkError{URL: rawURL, Err: err}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(host, "network_error").Inc()
		span.RecordError(netErr)
		span.SetStatus(codes.Error, "network error")
		logging.FromContext(ctx).Debug().Err(err).Str("url", rawURL).Msg("HTTP request failed")
		return nil, netErr
	}

	status := resp.StatusCode()
	requestsTotal.WithLabelValues(host, strconv.Itoa(status)).Inc()
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	if !resp.IsSuccess() {
		statusErr := &HTTPStatusError{
			StatusCode: status,
			URL:        rawURL,
			Body:       snippet(resp.Body()),
		}
		errorsTotal.WithLabelValues(string(statusErr.Class())).Inc()
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, resp.Status())
		logging.FromContext(ctx).Debug().
			Str("url", rawURL).
			Int("status", status).
			Str("error_class", string(statusErr.Class())).
			Msg("HTTP request error")
		return nil, statusErr
	}

	logging.FromContext(ctx).Debug().
		Str("url", resp.Request.URL).
		Int("status", status).
		Int("bytes", len(resp.Body())).
		Msg("HTTP request complete")

	return &Response{
		StatusCode: status,
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}

// GetJSON issues a GET request and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	resp, err := c.Get(ctx, rawURL, params)
	if err != nil {
		return err
	}
	if err := gojson.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
