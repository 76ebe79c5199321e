package fetch

import (
	"context"
	"fmt"

	"github.com/quantpulse/streamcore/internal/observability"
)

// ProduceFunc emits items into the pipeline buffer. Sends block while the
// buffer is full, which is the backpressure mechanism: a slow consumer
// suspends the producer instead of growing memory.
type ProduceFunc[T any] func(ctx context.Context, out chan<- T) error

// ProcessFunc consumes one pipeline item.
type ProcessFunc[T any] func(ctx context.Context, item T) error

// StreamProcess runs a producer/consumer pipeline over a bounded buffer of
// bufferSize items. The producer goroutine closes the channel on return, so
// the consumer always terminates deterministically, including on cancellation.
// Item-level processing errors are logged and counted but do not stop the
// stream; the first producer error, if any, is returned after drain.
func StreamProcess[T any](ctx context.Context, bufferSize int, produce ProduceFunc[T], process ProcessFunc[T]) error {
	if produce == nil || process == nil {
		return fmt.Errorf("stream: produce and process functions required")
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}

	buffer := make(chan T, bufferSize)
	produceErr := make(chan error, 1)

	go func() {
		defer close(buffer)
		produceErr <- produce(ctx, buffer)
	}()

	var failed int
	for item := range buffer {
		if err := process(ctx, item); err != nil {
			failed++
			observability.Log().Error("stream item failed",
				observability.Field{Key: "error", Value: err.Error()})
		}
		if ctx.Err() != nil {
			// Keep draining so the producer can finish its pending send and
			// observe cancellation; dropped items are not processed.
			for range buffer {
			}
			break
		}
	}

	err := <-produceErr
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream producer: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		observability.Log().Info("stream finished with item failures",
			observability.Field{Key: "failed", Value: failed})
	}
	return nil
}
