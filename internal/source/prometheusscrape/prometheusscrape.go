package prometheusscrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/promtext"
	"github.com/promsink/promsink/internal/telemetry"
)

// Config is the configuration of a Prometheus scraping source.
type Config struct {
	// ID is the component name in the pipeline.
	ID string
	// Endpoints are the exposition URLs to scrape.
	Endpoints []string
	// ScrapeInterval is the time between scrape rounds.
	ScrapeInterval time.Duration
	// Timeout bounds each endpoint scrape.
	Timeout time.Duration
	// Emit delivers scraped batches to the pipeline.
	Emit func(ctx context.Context, batch model.Batch) error
	// Client is the HTTP client used to scrape.
	Client          *http.Client
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

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}

	if c.ScrapeInterval == 0 {
		c.ScrapeInterval = 15 * time.Second
	}

	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}

	if c.Client == nil {
		c.Client = http.DefaultClient
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

type endpoint struct {
	url      string
	instance string
}

// Source scrapes Prometheus exposition endpoints on an interval and emits
// their samples as absolute metric events.
type Source struct {
	cfg       Config
	endpoints []endpoint
}

// NewSource returns a scraping source ready to run.
func NewSource(config Config) (*Source, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	endpoints := make([]endpoint, 0, len(config.Endpoints))
	for _, raw := range config.Endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", raw, err)
		}
		endpoints = append(endpoints, endpoint{url: raw, instance: u.Host})
	}

	return &Source{cfg: config, endpoints: endpoints}, nil
}

// Run scrapes every endpoint once immediately and then on every interval
// tick, until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	s.scrapeAll(ctx)

	ticker := time.NewTicker(s.cfg.ScrapeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scrapeAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Source) scrapeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range s.endpoints {
		wg.Add(1)
		go func(e endpoint) {
			defer wg.Done()
			s.scrape(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (s *Source) scrape(ctx context.Context, e endpoint) {
	t0 := time.Now()
	batch, err := s.fetch(ctx, e)
	s.cfg.MetricsRecorder.ObserveScrape(ctx, s.cfg.ID, e.instance, time.Since(t0), err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.cfg.Logger.WithValues(log.Kv{"endpoint": e.url}).Errorf("Scrape failed: %s", err)
		return
	}

	if len(batch) == 0 {
		return
	}

	s.cfg.MetricsRecorder.ObserveEventsIn(ctx, s.cfg.ID, len(batch))
	if err := s.cfg.Emit(ctx, batch); err != nil {
		s.cfg.Logger.Errorf("Could not emit scraped batch: %s", err)
	}
}

func (s *Source) fetch(ctx context.Context, e endpoint) (model.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Accept", promtext.ContentType)

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not scrape %q: %w", e.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %q", resp.StatusCode, e.url)
	}

	metrics, err := promtext.ParseText(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not parse scrape from %q: %w", e.url, err)
	}

	batch := make(model.Batch, 0, len(metrics))
	for _, metric := range metrics {
		if _, ok := metric.Tags["instance"]; !ok {
			if metric.Tags == nil {
				metric.Tags = map[string]string{}
			}
			metric.Tags["instance"] = e.instance
		}
		batch = append(batch, metric)
	}

	return batch, nil
}
