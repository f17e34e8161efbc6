package natssource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/telemetry"
)

// Config is the configuration of a NATS source.
type Config struct {
	// ID is the component name in the pipeline.
	ID string
	// URL is the NATS server URL.
	URL string
	// Subject is the subject to subscribe to.
	Subject string
	// Queue is an optional queue group, for competing consumers.
	Queue string
	// Emit delivers decoded batches to the pipeline.
	Emit            func(ctx context.Context, batch model.Batch) error
	MetricsRecorder telemetry.Recorder
	Logger          log.Logger
}

func (c *Config) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("source id is required")
	}

	if c.URL == "" {
		return fmt.Errorf("server url is required")
	}

	if c.Subject == "" {
		return fmt.Errorf("subject is required")
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
	c.Logger = c.Logger.WithValues(log.Kv{"source": c.ID, "subject": c.Subject})

	return nil
}

// Source subscribes to a NATS subject where every message is one metric event
// as a JSON object, or a JSON array of them.
type Source struct {
	cfg Config
}

// NewSource returns a NATS source ready to run.
func NewSource(config Config) (*Source, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Source{cfg: config}, nil
}

// Run subscribes and blocks until ctx is done, then drains the connection so
// in-flight messages are handled before returning.
func (s *Source) Run(ctx context.Context) error {
	conn, err := nats.Connect(s.cfg.URL, nats.Name("promsink-"+s.cfg.ID))
	if err != nil {
		return fmt.Errorf("could not connect to %q: %w", s.cfg.URL, err)
	}

	handler := func(msg *nats.Msg) { s.handleMessage(ctx, msg) }

	if s.cfg.Queue != "" {
		_, err = conn.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, handler)
	} else {
		_, err = conn.Subscribe(s.cfg.Subject, handler)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("could not subscribe to %q: %w", s.cfg.Subject, err)
	}

	s.cfg.Logger.Infof("NATS source subscribed")

	<-ctx.Done()

	if err := conn.Drain(); err != nil {
		s.cfg.Logger.Warningf("Could not drain NATS connection: %s", err)
		conn.Close()
	}

	return nil
}

func (s *Source) handleMessage(ctx context.Context, msg *nats.Msg) {
	batch, err := DecodeBatch(msg.Data)
	if err != nil {
		s.cfg.MetricsRecorder.IncNATSDecodeFailures(ctx, s.cfg.ID)
		s.cfg.Logger.Debugf("Discarded undecodable message: %s", err)
		return
	}

	if len(batch) == 0 {
		return
	}

	s.cfg.MetricsRecorder.ObserveEventsIn(ctx, s.cfg.ID, len(batch))
	if err := s.cfg.Emit(ctx, batch); err != nil {
		s.cfg.Logger.Errorf("Could not emit NATS batch: %s", err)
	}
}

// DecodeBatch decodes a message payload holding one JSON metric event or a
// JSON array of them, validating every event.
func DecodeBatch(data []byte) (model.Batch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var batch model.Batch
	if data[0] == '[' {
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("could not decode metric array: %w", err)
		}
	} else {
		var metric model.Metric
		if err := json.Unmarshal(data, &metric); err != nil {
			return nil, fmt.Errorf("could not decode metric: %w", err)
		}
		batch = model.Batch{metric}
	}

	for _, metric := range batch {
		if err := metric.Validate(); err != nil {
			return nil, fmt.Errorf("invalid metric %q: %w", metric.Name, err)
		}
	}

	return batch, nil
}
