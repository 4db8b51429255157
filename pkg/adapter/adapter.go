// Package adapter binds the supported API shapes to pagination.Source.
//
// A Descriptor is a closed set of variants:
//   - Paged: a count-capable feature service paged by resultOffset/resultRecordCount
//   - Offset: a SODA-style API paged by $limit/$offset, without a count
//   - Custom: caller-supplied URL building, extraction and continuation
//
// Bind turns a descriptor into a Source that the orchestrator can drive.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcliff/orrery-sub001/pkg/client"
	"github.com/jcliff/orrery-sub001/pkg/pagination"
)

var (
	// ErrUnknownDescriptor is returned by Bind for a descriptor outside the
	// supported variants.
	ErrUnknownDescriptor = errors.New("unknown source descriptor")

	// ErrNilClient is returned by Bind without an HTTP client.
	ErrNilClient = errors.New("http client is required")
)

// Kind names a descriptor variant.
type Kind string

const (
	KindPaged  Kind = "paged"
	KindOffset Kind = "offset"
	KindCustom Kind = "custom"
)

// Descriptor describes one paginated API. It is implemented only by Paged,
// Offset and Custom.
type Descriptor interface {
	Kind() Kind
	sealed()
}

// Source is a bound descriptor.
type Source struct {
	kind  Kind
	count func(ctx context.Context) (int, bool, error)
	fetch func(ctx context.Context, offset, limit int) (pagination.Batch[Feature], error)
}

var _ pagination.Source[Feature] = (*Source)(nil)

// Kind returns the variant the source was bound from.
func (s *Source) Kind() Kind {
	return s.kind
}

// Count returns the total record count. known is false for sources
// without a count capability.
func (s *Source) Count(ctx context.Context) (int, bool, error) {
	return s.count(ctx)
}

// FetchBatch fetches up to limit records starting at offset.
func (s *Source) FetchBatch(ctx context.Context, offset, limit int) (pagination.Batch[Feature], error) {
	return s.fetch(ctx, offset, limit)
}

// Bind binds desc to an HTTP client.
func Bind(desc Descriptor, c *client.Client) (*Source, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	switch d := desc.(type) {
	case Paged:
		return bindPaged(d, c)
	case Offset:
		return bindOffset(d, c)
	case Custom:
		return bindCustom(d, c)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownDescriptor, desc)
	}
}

func noCount(context.Context) (int, bool, error) {
	return 0, false, nil
}
