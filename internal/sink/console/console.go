// Package console implements a sink that writes every event as one JSON line
// to a standard stream, mostly useful to debug pipelines.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/promsink/promsink/internal/buffer"
	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/telemetry"
)

const (
	TargetStdout = "stdout"
	TargetStderr = "stderr"
)

// Config is the configuration of a console sink.
type Config struct {
	// ID is the component name in the pipeline.
	ID string
	// Target selects the standard stream to write to, stdout by default.
	Target string
	// Writer overrides Target when set, mostly for tests.
	Writer io.Writer
	// Buffer is the input queue the sink consumes from.
	Buffer          buffer.Buffer
	MetricsRecorder telemetry.Recorder
	Logger          log.Logger
}

func (c *Config) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("sink id is required")
	}

	if c.Buffer == nil {
		return fmt.Errorf("input buffer is required")
	}

	if c.Writer == nil {
		switch c.Target {
		case "", TargetStdout:
			c.Writer = os.Stdout
		case TargetStderr:
			c.Writer = os.Stderr
		default:
			return fmt.Errorf("unknown target %q", c.Target)
		}
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = telemetry.NoopRecorder
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"sink": c.ID})

	return nil
}

// Sink writes events to a writer in JSON lines format.
type Sink struct {
	cfg Config
}

// NewSink returns a console sink ready to run.
func NewSink(config Config) (*Sink, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Sink{cfg: config}, nil
}

// Run consumes the input buffer and writes events until ctx is done.
func (s *Sink) Run(ctx context.Context) error {
	s.cfg.Logger.Infof("Console sink started")
	defer s.cfg.Logger.Infof("Console sink stopped")

	for {
		batch, err := s.cfg.Buffer.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, buffer.ErrClosed) {
				return nil
			}
			return fmt.Errorf("could not pop events from the buffer: %w", err)
		}

		if err := s.write(ctx, batch); err != nil {
			return err
		}
	}
}

func (s *Sink) write(ctx context.Context, batch model.Batch) error {
	written := 0
	for _, metric := range batch {
		data, err := json.Marshal(metric)
		if err != nil {
			s.cfg.Logger.Errorf("Could not encode event %q: %s", metric.Name, err)
			continue
		}

		data = append(data, '\n')
		if _, err := s.cfg.Writer.Write(data); err != nil {
			return fmt.Errorf("could not write event: %w", err)
		}
		written++
	}

	s.cfg.MetricsRecorder.ObserveEventsOut(ctx, s.cfg.ID, written)

	return nil
}
