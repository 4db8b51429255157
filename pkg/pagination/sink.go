package pagination

import "context"

// Sink receives each batch of records, in order, once it is fetched.
type Sink[T any] interface {
	Write(ctx context.Context, batch []T) error
}

// BufferSink accumulates every batch in memory.
type BufferSink[T any] struct {
	features []T
}

// Write appends batch to the buffer.
func (b *BufferSink[T]) Write(_ context.Context, batch []T) error {
	b.features = append(b.features, batch...)
	return nil
}

// Features returns everything written so far.
func (b *BufferSink[T]) Features() []T {
	return b.features
}

// CallbackSink forwards each batch to a function and waits for it to return.
type CallbackSink[T any] func(ctx context.Context, batch []T) error

// Write invokes the callback.
func (f CallbackSink[T]) Write(ctx context.Context, batch []T) error {
	return f(ctx, batch)
}

// Tee writes each batch to every sink in order, stopping at the first error.
type Tee[T any] []Sink[T]

// Write implements Sink.
func (t Tee[T]) Write(ctx context.Context, batch []T) error {
	for _, s := range t {
		if err := s.Write(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// buildSink composes the output sinks for opts. The returned buffer is nil
// when buffering is skipped.
func buildSink[T any](opts Options[T]) (Sink[T], *BufferSink[T]) {
	var sinks Tee[T]
	if opts.OnFeatures != nil {
		sinks = append(sinks, CallbackSink[T](opts.OnFeatures))
	}

	var buf *BufferSink[T]
	if !opts.SkipBuffer {
		buf = &BufferSink[T]{}
		sinks = append(sinks, buf)
	}

	return sinks, buf
}
