package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/jcliff/orrery-sub001/pkg/client"
	"github.com/jcliff/orrery-sub001/pkg/pagination"
)

// Paged defaults.
const (
	DefaultWhere = "1=1"
	DefaultOutSR = 4326
)

// Paged describes a count-capable feature service query endpoint.
type Paged struct {
	// URL is the layer's query endpoint, e.g. ".../FeatureServer/0/query".
	URL string

	// Where is the attribute filter. Empty means DefaultWhere.
	Where string

	// Fields lists the returned attributes. Empty means all.
	Fields []string

	// OutSR is the output spatial reference. Zero means DefaultOutSR.
	OutSR int
}

// Kind implements Descriptor.
func (Paged) Kind() Kind { return KindPaged }

func (Paged) sealed() {}

// serviceError is the error object a feature service embeds in a 200 body.
type serviceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *serviceError) asStatusError(rawURL string) *client.HTTPStatusError {
	code := e.Code
	if code < 400 {
		code = http.StatusInternalServerError
	}
	msg := e.Message
	if len(e.Details) > 0 {
		msg += ": " + strings.Join(e.Details, "; ")
	}
	return &client.HTTPStatusError{StatusCode: code, URL: rawURL, Body: msg}
}

type countResponse struct {
	Count *int          `json:"count"`
	Error *serviceError `json:"error"`
}

type pageResponse struct {
	Features              []Feature     `json:"features"`
	ExceededTransferLimit *bool         `json:"exceededTransferLimit"`
	Error                 *serviceError `json:"error"`
	Properties            *struct {
		ExceededTransferLimit *bool `json:"exceededTransferLimit"`
	} `json:"properties"`
}

// hasMore returns the server's exceededTransferLimit flag. The geojson
// output format reports it inside the collection's properties.
func (p *pageResponse) hasMore() bool {
	if p.ExceededTransferLimit != nil {
		return *p.ExceededTransferLimit
	}
	if p.Properties != nil && p.Properties.ExceededTransferLimit != nil {
		return *p.Properties.ExceededTransferLimit
	}
	return false
}

func bindPaged(d Paged, c *client.Client) (*Source, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("paged source: %w", client.ErrEmptyURL)
	}
	if d.Where == "" {
		d.Where = DefaultWhere
	}
	if d.OutSR == 0 {
		d.OutSR = DefaultOutSR
	}
	outFields := "*"
	if len(d.Fields) > 0 {
		outFields = strings.Join(d.Fields, ",")
	}

	count := func(ctx context.Context) (int, bool, error) {
		params := url.Values{
			"where":           {d.Where},
			"returnCountOnly": {"true"},
			"f":               {"json"},
		}

		var body countResponse
		if err := c.GetJSON(ctx, d.URL, params, &body); err != nil {
			return 0, false, err
		}
		if body.Error != nil {
			return 0, false, body.Error.asStatusError(d.URL)
		}
		if body.Count == nil {
			return 0, false, errors.New("count response has no count field")
		}
		return *body.Count, true, nil
	}

	fetch := func(ctx context.Context, offset, limit int) (pagination.Batch[Feature], error) {
		params := url.Values{
			"where":             {d.Where},
			"outFields":         {outFields},
			"returnGeometry":    {"true"},
			"outSR":             {strconv.Itoa(d.OutSR)},
			"f":                 {"geojson"},
			"resultOffset":      {strconv.Itoa(offset)},
			"resultRecordCount": {strconv.Itoa(limit)},
		}

		resp, err := c.Get(ctx, d.URL, params)
		if err != nil {
			return pagination.Batch[Feature]{}, err
		}

		var page pageResponse
		if err := gojson.Unmarshal(resp.Body, &page); err != nil {
			return pagination.Batch[Feature]{}, fmt.Errorf("decode page at offset %d: %w", offset, err)
		}
		if page.Error != nil {
			return pagination.Batch[Feature]{}, page.Error.asStatusError(d.URL)
		}

		return pagination.Batch[Feature]{
			Features: page.Features,
			HasMore:  page.hasMore(),
		}, nil
	}

	return &Source{kind: KindPaged, count: count, fetch: fetch}, nil
}
