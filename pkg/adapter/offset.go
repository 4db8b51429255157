package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jcliff/orrery-sub001/pkg/client"
	"github.com/jcliff/orrery-sub001/pkg/pagination"
)

// Offset describes a SODA-style endpoint paged with $limit and $offset.
// It has no count capability, so it is always fetched sequentially.
type Offset struct {
	URL string

	// Where is an optional $where filter.
	Where string

	// Fields is sent as $select when set.
	Fields []string

	// Order is sent as $order when set. Paging is only stable under a
	// total order, so a unique column should be given.
	Order string
}

// Kind implements Descriptor.
func (Offset) Kind() Kind { return KindOffset }

func (Offset) sealed() {}

func bindOffset(d Offset, c *client.Client) (*Source, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("offset source: %w", client.ErrEmptyURL)
	}

	fetch := func(ctx context.Context, offset, limit int) (pagination.Batch[Feature], error) {
		params := url.Values{
			"$limit":  {strconv.Itoa(limit)},
			"$offset": {strconv.Itoa(offset)},
		}
		if len(d.Fields) > 0 {
			params.Set("$select", strings.Join(d.Fields, ","))
		}
		if d.Where != "" {
			params.Set("$where", d.Where)
		}
		if d.Order != "" {
			params.Set("$order", d.Order)
		}

		var rows []Feature
		if err := c.GetJSON(ctx, d.URL, params, &rows); err != nil {
			return pagination.Batch[Feature]{}, err
		}

		return pagination.Batch[Feature]{
			Features: rows,
			HasMore:  len(rows) == limit,
		}, nil
	}

	return &Source{kind: KindOffset, count: noCount, fetch: fetch}, nil
}
