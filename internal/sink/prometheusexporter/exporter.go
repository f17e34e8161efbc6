package prometheusexporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/run"

	"github.com/promsink/promsink/internal/buffer"
	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/normalize"
	"github.com/promsink/promsink/internal/promtext"
	"github.com/promsink/promsink/internal/telemetry"
)

// Config is the configuration of a Prometheus exporter sink.
type Config struct {
	// ID is the component name in the pipeline.
	ID string
	// Address is the exposition listen address.
	Address string
	// Path is the exposition path.
	Path string
	// DefaultNamespace prefixes metrics that carry no namespace of their own.
	DefaultNamespace string
	// Buckets are the upper limits used when rendering distributions as
	// histograms.
	Buckets []float64
	// Quantiles are the quantiles computed when rendering distributions as
	// summaries.
	Quantiles []float64
	// DistributionsAsSummaries renders distributions as quantile summaries
	// instead of histograms.
	DistributionsAsSummaries bool
	// SuppressTimestamps drops event timestamps from the exposition.
	SuppressTimestamps bool
	// FlushPeriod is how often expired series are swept out of memory. It is
	// also the expiration window when ExpireMetrics is not set.
	FlushPeriod time.Duration
	// ExpireMetrics is how long a series stays exposed after its last update.
	ExpireMetrics time.Duration
	// AuthUsername and AuthPassword guard the endpoint with HTTP basic auth
	// when the username is set.
	AuthUsername string
	AuthPassword string
	// Listener serves the exposition endpoint when set, instead of listening
	// on Address.
	Listener net.Listener
	// Buffer is the input queue the sink consumes from.
	Buffer          buffer.Buffer
	MetricsRecorder telemetry.Recorder
	Logger          log.Logger
	// TimeNow tells the current time, time.Now when unset.
	TimeNow func() time.Time
}

func (c *Config) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("sink id is required")
	}

	if c.Buffer == nil {
		return fmt.Errorf("input buffer is required")
	}

	if c.Address == "" {
		c.Address = ":9598"
	}

	if c.Path == "" {
		c.Path = "/metrics"
	}

	if c.FlushPeriod <= 0 {
		c.FlushPeriod = 60 * time.Second
	}

	if c.ExpireMetrics < 0 {
		return fmt.Errorf("expiration window can't be negative")
	}

	if c.AuthUsername != "" && c.AuthPassword == "" {
		return fmt.Errorf("basic auth password is required when the username is set")
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = telemetry.NoopRecorder
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"sink": c.ID, "addr": c.Address})

	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}

	return nil
}

// Sink holds the absolute state of every live series and serves it in
// Prometheus text exposition format, the pull side of the pipeline.
//
// Series expire: every update pushes a series' deadline one window ahead, a
// series past its deadline disappears from scrapes and is swept out of memory
// on the next flush period.
type Sink struct {
	cfg        Config
	renderCfg  promtext.RenderConfig
	normalizer *normalize.Normalizer
	store      *store

	// mu guards normalizer and store together, updates touch both.
	mu sync.RWMutex
}

// NewSink returns a Prometheus exporter sink ready to run.
func NewSink(config Config) (*Sink, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	window := config.ExpireMetrics
	if window == 0 {
		window = config.FlushPeriod
	}

	return &Sink{
		cfg: config,
		renderCfg: promtext.RenderConfig{
			DefaultNamespace:         config.DefaultNamespace,
			Buckets:                  config.Buckets,
			Quantiles:                config.Quantiles,
			DistributionsAsSummaries: config.DistributionsAsSummaries,
			SuppressTimestamps:       config.SuppressTimestamps,
		},
		normalizer: normalize.NewNormalizer(),
		store:      newStore(window, config.TimeNow),
	}, nil
}

// Run consumes the input buffer, sweeps expired series and serves the
// exposition endpoint until ctx is done.
func (s *Sink) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	// Exposition HTTP server.
	{
		server := &http.Server{Handler: s.handler()}
		g.Add(
			func() error {
				s.cfg.Logger.Infof("Prometheus exposition server listening")

				var err error
				if s.cfg.Listener != nil {
					err = server.Serve(s.cfg.Listener)
				} else {
					server.Addr = s.cfg.Address
					err = server.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("exposition server failed: %w", err)
				}

				return nil
			},
			func(_ error) {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = server.Shutdown(shutdownCtx)
			},
		)
	}

	// Expiration sweeper.
	{
		g.Add(
			func() error {
				ticker := time.NewTicker(s.cfg.FlushPeriod)
				defer ticker.Stop()

				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						s.sweepExpired(ctx)
					}
				}
			},
			func(_ error) { cancel() },
		)
	}

	// Buffer consumer.
	{
		g.Add(
			func() error {
				for {
					batch, err := s.cfg.Buffer.Pop(ctx)
					if err != nil {
						if ctx.Err() != nil || errors.Is(err, buffer.ErrClosed) {
							return nil
						}
						return fmt.Errorf("could not pop events from the buffer: %w", err)
					}
					s.consume(ctx, batch)
				}
			},
			func(_ error) { cancel() },
		)
	}

	return g.Run()
}

func (s *Sink) consume(ctx context.Context, batch model.Batch) {
	s.mu.Lock()
	for _, metric := range batch {
		key := metric.SeriesKey()

		// A set past its deadline restarts from the incoming data only, stale
		// unique values must not leak into the new window.
		if s.store.expiredSet(key) {
			s.normalizer.Forget(key)
			s.cfg.Logger.Debugf("Set series %q restarted after expiration", metric.Name)
		}

		normalized, ok := s.normalizer.Normalize(metric)
		if !ok {
			s.cfg.Logger.Debugf("Dropped event %q: can't be normalized", metric.Name)
			continue
		}

		s.store.update(normalized)
	}
	active := s.store.len()
	s.mu.Unlock()

	s.cfg.MetricsRecorder.ObserveEventsIn(ctx, s.cfg.ID, len(batch))
	s.cfg.MetricsRecorder.SetExporterActiveSeries(ctx, s.cfg.ID, active)
}

func (s *Sink) sweepExpired(ctx context.Context) {
	s.mu.Lock()
	removed := s.store.sweep()
	for _, key := range removed {
		s.normalizer.Forget(key)
	}
	active := s.store.len()
	s.mu.Unlock()

	if len(removed) > 0 {
		s.cfg.MetricsRecorder.IncExporterExpiredSeries(ctx, s.cfg.ID, len(removed))
		s.cfg.Logger.Debugf("Expired %d series", len(removed))
	}
	s.cfg.MetricsRecorder.SetExporterActiveSeries(ctx, s.cfg.ID, active)
}

func (s *Sink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthUsername != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.cfg.AuthUsername || pass != s.cfg.AuthPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		if r.URL.Path != s.cfg.Path {
			http.NotFound(w, r)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s.render(w, r)
	})
}

func (s *Sink) render(w http.ResponseWriter, r *http.Request) {
	t0 := time.Now()

	s.mu.RLock()
	metrics := s.store.unexpired()
	s.mu.RUnlock()

	families, skipped := promtext.MetricsToFamilies(metrics, s.renderCfg)

	var body bytes.Buffer
	if err := promtext.WriteText(&body, families); err != nil {
		s.cfg.Logger.Errorf("Could not render exposition: %s", err)
		http.Error(w, "could not render metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", promtext.ContentType)
	_, _ = w.Write(body.Bytes())

	s.cfg.MetricsRecorder.ObserveExporterRender(r.Context(), s.cfg.ID, time.Since(t0), skipped)
}
