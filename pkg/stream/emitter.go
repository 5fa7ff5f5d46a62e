package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
)

const (
	DefaultCapacity  = 100
	DefaultBatchSize = 100
)

// ErrConsumerGone is returned when the receiving side stopped listening.
var ErrConsumerGone = errors.New("stream consumer gone")

// Item is one value on a stream channel: a chunk or the terminal error.
type Item[C any] struct {
	Chunk C
	Err   error
}

// Batcher groups converted records into signed chunks.
type Batcher[R, W, C any] struct {
	// BatchSize is the maximum records per chunk; zero means DefaultBatchSize.
	BatchSize int
	// Convert maps a source record to its wire form. Records that fail are
	// skipped.
	Convert func(R) (W, error)
	// Wrap builds and signs a chunk. A failure ends the stream.
	Wrap func([]W) (C, error)
	// Skipped is called for each dropped record when set.
	Skipped func(R, error)
}

func (b Batcher[R, W, C]) size() int {
	if b.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return b.BatchSize
}

// Emit drains src into out, in source order. A source or wrap error is sent
// as the final item and also returned. If ctx ends first, Emit returns
// ErrConsumerGone without sending anything further.
func (b Batcher[R, W, C]) Emit(ctx context.Context, out chan<- Item[C], src iter.Seq2[R, error]) error {
	size := b.size()
	batch := make([]W, 0, size)
	flush := func() error {
		chunk, err := b.Wrap(batch)
		if err != nil {
			return b.fail(ctx, out, err)
		}
		batch = make([]W, 0, size)
		return send(ctx, out, Item[C]{Chunk: chunk})
	}
	for rec, err := range src {
		if err != nil {
			return b.fail(ctx, out, err)
		}
		wire, err := b.Convert(rec)
		if err != nil {
			if b.Skipped != nil {
				b.Skipped(rec, err)
			}
			continue
		}
		batch = append(batch, wire)
		if len(batch) == size {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if len(batch) > 0 {
		return flush()
	}
	return nil
}

func (b Batcher[R, W, C]) fail(ctx context.Context, out chan<- Item[C], cause error) error {
	if err := send(ctx, out, Item[C]{Err: cause}); err != nil {
		return err
	}
	return cause
}

func send[C any](ctx context.Context, out chan<- Item[C], item Item[C]) error {
	if ctx.Err() != nil {
		return ErrConsumerGone
	}
	select {
	case <-ctx.Done():
		return ErrConsumerGone
	case out <- item:
		return nil
	}
}

// Spawn runs produce on its own goroutine and returns the receiving end of
// a channel with the given capacity. The producer owns the channel and
// closes it when produce returns.
func Spawn[C any](ctx context.Context, capacity int, logger *slog.Logger, produce func(context.Context, chan<- Item[C]) error) <-chan Item[C] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := make(chan Item[C], capacity)
	go func() {
		defer close(out)
		err := produce(ctx, out)
		switch {
		case err == nil:
		case errors.Is(err, ErrConsumerGone):
			logger.Debug("stream consumer went away")
		default:
			logger.Warn("stream ended with error", "error", err)
		}
	}()
	return out
}

// Forward hands each chunk to deliver until the channel closes, and returns
// the terminal error item if there was one. A deliver error stops
// forwarding.
func Forward[C any](ctx context.Context, items <-chan Item[C], deliver func(C) error) error {
	for {
		select {
		case <-ctx.Done():
			return ErrConsumerGone
		case item, ok := <-items:
			if !ok {
				return nil
			}
			if item.Err != nil {
				return item.Err
			}
			if err := deliver(item.Chunk); err != nil {
				return err
			}
		}
	}
}
