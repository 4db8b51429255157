package pagination

// Mode is the batch dispatch strategy.
type Mode string

const (
	// ModeSequential fetches one batch at a time in arrival order.
	ModeSequential Mode = "sequential"

	// ModeParallel fetches offset-indexed batches concurrently.
	ModeParallel Mode = "parallel"
)

// ChooseMode picks the dispatch strategy. Streaming always forces
// sequential mode: parallel dispatch would hand batches to an ordered
// consumer out of order.
func ChooseMode(streaming bool, concurrency int, totalKnown bool) Mode {
	if streaming || concurrency <= 1 || !totalKnown {
		return ModeSequential
	}
	return ModeParallel
}

// NumBatches returns min(ceil(total/batchSize), maxBatches).
func NumBatches(total, batchSize, maxBatches int) int {
	if total <= 0 || batchSize <= 0 || maxBatches <= 0 {
		return 0
	}
	n := (total + batchSize - 1) / batchSize
	if n > maxBatches {
		n = maxBatches
	}
	return n
}

// BatchOffsets returns [0, batchSize, 2*batchSize, ...] with n entries.
func BatchOffsets(n, batchSize int) []int {
	offsets := make([]int, n)
	for i := range offsets {
		offsets[i] = i * batchSize
	}
	return offsets
}
