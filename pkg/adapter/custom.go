package adapter

import (
	"context"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
	"github.com/jcliff/orrery-sub001/pkg/client"
	"github.com/jcliff/orrery-sub001/pkg/pagination"
)

// Custom describes an API whose paging is defined by the caller.
type Custom struct {
	// BuildURL returns the request URL for a batch. Required.
	BuildURL func(offset, limit int) string

	// ExtractFeatures pulls the records out of a decoded body. Required.
	ExtractFeatures func(body any) ([]Feature, error)

	// HasMore decides continuation. Nil means len(features) == limit.
	HasMore func(body any, features []Feature, limit int) bool

	// GetCount returns the total record count. Nil means the total is
	// unknown.
	GetCount func(ctx context.Context) (int, error)
}

// Kind implements Descriptor.
func (Custom) Kind() Kind { return KindCustom }

func (Custom) sealed() {}

func bindCustom(d Custom, c *client.Client) (*Source, error) {
	if d.BuildURL == nil {
		return nil, errors.New("custom source: BuildURL is required")
	}
	if d.ExtractFeatures == nil {
		return nil, errors.New("custom source: ExtractFeatures is required")
	}

	count := noCount
	if d.GetCount != nil {
		count = func(ctx context.Context) (int, bool, error) {
			n, err := d.GetCount(ctx)
			if err != nil {
				return 0, false, err
			}
			return n, true, nil
		}
	}

	fetch := func(ctx context.Context, offset, limit int) (pagination.Batch[Feature], error) {
		rawURL := d.BuildURL(offset, limit)
		resp, err := c.Get(ctx, rawURL, nil)
		if err != nil {
			return pagination.Batch[Feature]{}, err
		}

		var body any
		if err := gojson.Unmarshal(resp.Body, &body); err != nil {
			return pagination.Batch[Feature]{}, fmt.Errorf("decode response from %s: %w", rawURL, err)
		}

		features, err := d.ExtractFeatures(body)
		if err != nil {
			return pagination.Batch[Feature]{}, fmt.Errorf("extract features from %s: %w", rawURL, err)
		}

		hasMore := len(features) == limit
		if d.HasMore != nil {
			hasMore = d.HasMore(body, features, limit)
		}
		return pagination.Batch[Feature]{Features: features, HasMore: hasMore}, nil
	}

	return &Source{kind: KindCustom, count: count, fetch: fetch}, nil
}
