package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/telemetry"
)

// popMaxEvents caps how many queued events a single Pop drains into one batch.
const popMaxEvents = 1024

// MemoryConfig is the configuration of a memory buffer.
type MemoryConfig struct {
	// ID identifies the owning sink in telemetry.
	ID string
	// MaxEvents is the queued event budget.
	MaxEvents int
	// DropNewest drops incoming events instead of blocking when the buffer
	// is full.
	DropNewest bool
	MetricsRecorder telemetry.Recorder
}

func (c *MemoryConfig) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("buffer id is required")
	}

	if c.MaxEvents == 0 {
		c.MaxEvents = 2048
	}
	if c.MaxEvents < 0 {
		return fmt.Errorf("buffer max events must be positive")
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = telemetry.NoopRecorder
	}

	return nil
}

// Memory is an in-process bounded event buffer. Its contents are lost on
// restart.
type Memory struct {
	cfg       MemoryConfig
	events    chan model.Metric
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemory returns a memory buffer bounded at the configured event budget.
func NewMemory(config MemoryConfig) (*Memory, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Memory{
		cfg:    config,
		events: make(chan model.Metric, config.MaxEvents),
		closed: make(chan struct{}),
	}, nil
}

// Push queues the batch's events one by one. When the buffer is full it
// blocks, or drops the overflow when configured with DropNewest. A blocking
// push cancelled mid-batch leaves the already queued events behind.
func (m *Memory) Push(ctx context.Context, batch model.Batch) error {
	dropped := 0
	for _, metric := range batch {
		if m.cfg.DropNewest {
			select {
			case m.events <- metric:
			default:
				dropped++
			}
			continue
		}

		select {
		case m.events <- metric:
		case <-m.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if dropped > 0 {
		m.cfg.MetricsRecorder.IncBufferDroppedEvents(ctx, m.cfg.ID, dropped)
	}
	m.cfg.MetricsRecorder.SetBufferDepth(ctx, m.cfg.ID, len(m.events))

	return nil
}

// Pop blocks until at least one event is queued, then drains whatever else is
// immediately available into one batch.
func (m *Memory) Pop(ctx context.Context) (model.Batch, error) {
	var batch model.Batch

	// Queued events are delivered before closure is reported.
	select {
	case metric := <-m.events:
		batch = append(batch, metric)
	default:
	}

	if batch == nil {
		select {
		case metric := <-m.events:
			batch = append(batch, metric)
		case <-m.closed:
			select {
			case metric := <-m.events:
				batch = append(batch, metric)
			default:
				return nil, ErrClosed
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for len(batch) < popMaxEvents {
		select {
		case metric := <-m.events:
			batch = append(batch, metric)
		default:
			m.cfg.MetricsRecorder.SetBufferDepth(ctx, m.cfg.ID, len(m.events))
			return batch, nil
		}
	}

	m.cfg.MetricsRecorder.SetBufferDepth(ctx, m.cfg.ID, len(m.events))

	return batch, nil
}

// Close stops the buffer, already queued events can still be popped.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
