// Package pagination fetches every record of a paginated source, choosing
// between sequential and bounded-parallel batch dispatch.
//
// Example usage:
//
//	src, _ := adapter.Bind(adapter.Paged{URL: serviceURL, Where: "1=1"}, httpClient)
//	result, err := pagination.ParallelFetch(ctx, src, pagination.Options[adapter.Feature]{
//		Concurrency: 4,
//		BatchSize:   2000,
//	})
//
// The orchestrator:
//   - Probes the total record count first (a failed probe only disables parallel mode)
//   - Runs sequentially when a streaming sink is set, concurrency <= 1, or the total is unknown
//   - Otherwise dispatches offset-indexed batches through a Limiter and assembles them in offset order
//   - Retries each batch with the configured retry.Policy; a batch that exhausts it fails the whole call
//   - Paces requests with an optional fixed delay before every Nth batch
//
// A returned error always means the dataset is incomplete. A short result
// without an error is never a signal of failure.
package pagination
