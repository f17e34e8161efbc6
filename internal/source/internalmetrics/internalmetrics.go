package internalmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/promtext"
	"github.com/promsink/promsink/internal/telemetry"
)

// Config is the configuration of an internal metrics source.
type Config struct {
	// ID is the component name in the pipeline.
	ID string
	// Interval is how often the process registry is gathered.
	Interval time.Duration
	// Gatherer is the registry gathered, the process default one if unset.
	Gatherer prometheus.Gatherer
	// Emit delivers gathered batches to the pipeline.
	Emit            func(ctx context.Context, batch model.Batch) error
	MetricsRecorder telemetry.Recorder
	Logger          log.Logger
}

func (c *Config) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("source id is required")
	}

	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}

	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}

	if c.Emit == nil {
		return fmt.Errorf("emit function is required")
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = telemetry.NoopRecorder
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"source": c.ID})

	return nil
}

// Source emits the process's own Prometheus registry into the pipeline, so
// the daemon's telemetry can flow through the same sinks as everything else.
type Source struct {
	cfg Config
}

// NewSource returns an internal metrics source ready to run.
func NewSource(config Config) (*Source, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Source{cfg: config}, nil
}

// Run gathers once right away and then on every interval tick until ctx is
// done.
func (s *Source) Run(ctx context.Context) error {
	s.gather(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.gather(ctx)
		}
	}
}

func (s *Source) gather(ctx context.Context) {
	families, err := s.cfg.Gatherer.Gather()
	if err != nil {
		s.cfg.Logger.Errorf("Could not gather internal metrics: %s", err)
		return
	}

	batch := model.Batch(promtext.FamiliesToMetrics(families))
	if len(batch) == 0 {
		return
	}

	s.cfg.MetricsRecorder.ObserveEventsIn(ctx, s.cfg.ID, len(batch))
	if err := s.cfg.Emit(ctx, batch); err != nil {
		s.cfg.Logger.Errorf("Could not emit internal metrics batch: %s", err)
	}
}
