// Package testutil provides testing utilities for the harvest engine.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
)

// MockResponse defines the behavior for a fixed mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Layer configures a paged feature layer served by MockFeatureServer.
type Layer struct {
	// Records is the number of features in the layer.
	Records int

	// IDProperty names the id attribute. Default "OBJECTID".
	IDProperty string

	// FirstID is the id of the first feature. Default 1.
	FirstID int

	// PageCap is the server's maximum record count per response. Zero
	// honours the requested count.
	PageCap int

	// Properties are added to every feature.
	Properties map[string]any

	// Failures maps a resultOffset to the number of 503 responses served
	// before it succeeds.
	Failures map[int]int

	// Delays maps a resultOffset to a response delay.
	Delays map[int]time.Duration

	// CountError makes the count probe answer 200 with an error body.
	CountError bool

	// FlagInProperties reports exceededTransferLimit inside the collection's
	// properties instead of at the top level.
	FlagInProperties bool
}

// Dataset configures an offset-paged (SODA-style) dataset.
type Dataset struct {
	Records int

	// PageCap is the server's maximum row count per response.
	PageCap int

	// Failures maps an $offset to the number of 503 responses served
	// before it succeeds.
	Failures map[int]int
}

// MockFeatureServer is a configurable mock of paginated feature APIs.
type MockFeatureServer struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	RequestCount int
	pathCounts   map[string]int
	LastQuery    url.Values
}

// NewMockFeatureServer creates a new mock server.
func NewMockFeatureServer() *MockFeatureServer {
	mock := &MockFeatureServer{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.pathCounts[r.URL.Path]++
		mock.LastQuery = r.URL.Query()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if !exists {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockFeatureServer) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockFeatureServer) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockFeatureServer) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockFeatureServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.pathCounts = make(map[string]int)
	m.LastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockFeatureServer) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockFeatureServer) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockFeatureServer) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockFeatureServer) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// GetLastQuery returns the query parameters of the most recent request.
func (m *MockFeatureServer) GetLastQuery() url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery
}

// AddLayer serves layer as a paged feature service query endpoint at path.
func (m *MockFeatureServer) AddLayer(path string, layer Layer) {
	if layer.IDProperty == "" {
		layer.IDProperty = "OBJECTID"
	}
	if layer.FirstID == 0 {
		layer.FirstID = 1
	}
	failures := newFailureBudget(layer.Failures)

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		if q.Get("returnCountOnly") == "true" {
			if layer.CountError {
				writeJSON(w, map[string]any{
					"error": map[string]any{"code": 400, "message": "Unable to complete operation.", "details": []string{}},
				})
				return
			}
			writeJSON(w, map[string]any{"count": layer.Records})
			return
		}

		offset, _ := strconv.Atoi(q.Get("resultOffset"))
		limit, _ := strconv.Atoi(q.Get("resultRecordCount"))
		if d := layer.Delays[offset]; d > 0 {
			time.Sleep(d)
		}
		if failures.take(offset) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service Unavailable"))
			return
		}

		start, end := window(offset, limit, layer.PageCap, layer.Records)
		features := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			id := layer.FirstID + i
			props := map[string]any{layer.IDProperty: id}
			for k, v := range layer.Properties {
				props[k] = v
			}
			features = append(features, map[string]any{
				"type":       "Feature",
				"id":         id,
				"geometry":   map[string]any{"type": "Point", "coordinates": []float64{float64(i) / 1000, 47.5}},
				"properties": props,
			})
		}

		exceeded := end < layer.Records
		body := map[string]any{"type": "FeatureCollection", "features": features}
		if layer.FlagInProperties {
			body["properties"] = map[string]any{"exceededTransferLimit": exceeded}
		} else if exceeded {
			body["exceededTransferLimit"] = true
		}
		writeJSON(w, body)
	})
}

// AddDataset serves ds as an offset-paged dataset at path. Rows carry an
// "id" column of the form "row-N" and a numeric "n" column.
func (m *MockFeatureServer) AddDataset(path string, ds Dataset) {
	failures := newFailureBudget(ds.Failures)

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset, _ := strconv.Atoi(q.Get("$offset"))
		limit, _ := strconv.Atoi(q.Get("$limit"))

		if failures.take(offset) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		start, end := window(offset, limit, ds.PageCap, ds.Records)
		rows := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			rows = append(rows, map[string]any{"id": "row-" + strconv.Itoa(i), "n": i})
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		writeJSON(w, rows)
	})
}

func window(offset, limit, pageCap, records int) (int, int) {
	if pageCap > 0 && (limit <= 0 || limit > pageCap) {
		limit = pageCap
	}
	if offset > records {
		offset = records
	}
	end := offset + limit
	if end > records {
		end = records
	}
	return offset, end
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := gojson.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(body)
}

// failureBudget counts down injected failures per offset.
type failureBudget struct {
	mu        sync.Mutex
	remaining map[int]int
}

func newFailureBudget(initial map[int]int) *failureBudget {
	remaining := make(map[int]int, len(initial))
	for k, v := range initial {
		remaining[k] = v
	}
	return &failureBudget{remaining: remaining}
}

func (f *failureBudget) take(offset int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining[offset] <= 0 {
		return false
	}
	f.remaining[offset]--
	return true
}
