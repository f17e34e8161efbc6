package statsd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/telemetry"
)

// maxDatagramSize is the largest UDP payload the listener accepts.
const maxDatagramSize = 65535

// Config is the configuration of a statsd source.
type Config struct {
	// ID is the component name in the pipeline.
	ID string
	// Address is the listen address.
	Address string
	// Protocol is udp or tcp.
	Protocol string
	// TimerStatistic is how timer samples aggregate on exposition, histogram
	// or summary.
	TimerStatistic string
	// Emit delivers parsed batches to the pipeline.
	Emit            func(ctx context.Context, batch model.Batch) error
	MetricsRecorder telemetry.Recorder
	Logger          log.Logger
}

func (c *Config) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("source id is required")
	}

	if c.Emit == nil {
		return fmt.Errorf("emit function is required")
	}

	if c.Address == "" {
		c.Address = ":8125"
	}

	if c.Protocol == "" {
		c.Protocol = "udp"
	}
	if c.Protocol != "udp" && c.Protocol != "tcp" {
		return fmt.Errorf("unknown protocol %q", c.Protocol)
	}

	switch c.TimerStatistic {
	case "":
		c.TimerStatistic = string(model.StatisticHistogram)
	case string(model.StatisticHistogram), string(model.StatisticSummary):
	default:
		return fmt.Errorf("unknown timer statistic %q", c.TimerStatistic)
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = telemetry.NoopRecorder
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"source": c.ID, "addr": c.Address})

	return nil
}

// Source listens for statsd datagrams and emits them as metric events. This
// is the producer of set metrics.
type Source struct {
	cfg       Config
	statistic model.StatisticKind
}

// NewSource returns a statsd source ready to run.
func NewSource(config Config) (*Source, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Source{
		cfg:       config,
		statistic: model.StatisticKind(config.TimerStatistic),
	}, nil
}

// Run blocks listening for statsd traffic until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	if s.cfg.Protocol == "tcp" {
		return s.runTCP(ctx)
	}

	return s.runUDP(ctx)
}

func (s *Source) runUDP(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("could not listen on %q: %w", s.cfg.Address, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.cfg.Logger.Infof("Statsd UDP source listening")

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not read datagram: %w", err)
		}

		s.handlePayload(ctx, buf[:n])
	}
}

func (s *Source) runTCP(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("could not listen on %q: %w", s.cfg.Address, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.cfg.Logger.Infof("Statsd TCP source listening")

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("could not accept connection: %w", err)
		}

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				s.handlePayload(ctx, scanner.Bytes())
			}
		}(conn)
	}
}

func (s *Source) handlePayload(ctx context.Context, payload []byte) {
	batch, invalid := ParsePayload(payload, s.statistic)

	for i := 0; i < invalid; i++ {
		s.cfg.MetricsRecorder.IncInvalidStatsdLines(ctx, s.cfg.ID)
	}
	if invalid > 0 {
		s.cfg.Logger.Debugf("Discarded %d invalid statsd lines", invalid)
	}

	if len(batch) == 0 {
		return
	}

	s.cfg.MetricsRecorder.ObserveEventsIn(ctx, s.cfg.ID, len(batch))
	if err := s.cfg.Emit(ctx, batch); err != nil {
		s.cfg.Logger.Errorf("Could not emit statsd batch: %s", err)
	}
}
