package buffer

import (
	"context"
	"fmt"

	"github.com/promsink/promsink/internal/model"
)

// ErrClosed is returned once a buffer has been closed and drained.
var ErrClosed = fmt.Errorf("buffer is closed")

// Buffer queues metric event batches between the pipeline router and a sink.
// Implementations may split or merge batches, events keep their order.
type Buffer interface {
	// Push queues a batch. Blocking implementations honor ctx while waiting
	// for room.
	Push(ctx context.Context, batch model.Batch) error
	// Pop blocks until events are available, ctx is done or the buffer is
	// closed and drained.
	Pop(ctx context.Context) (model.Batch, error)
	// Close stops the buffer. Queued events can still be popped.
	Close() error
}
