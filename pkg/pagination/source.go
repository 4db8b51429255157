package pagination

import "context"

// Batch is one page of records returned by a single paginated request.
type Batch[T any] struct {
	Features []T

	// HasMore is the source's verdict on whether another page exists.
	HasMore bool
}

// Source is one paginated API, as seen by the orchestrator.
type Source[T any] interface {
	// Count returns the total number of records. known is false when the
	// source has no count capability.
	Count(ctx context.Context) (total int, known bool, err error)

	// FetchBatch fetches up to limit records starting at offset.
	FetchBatch(ctx context.Context, offset, limit int) (Batch[T], error)
}
