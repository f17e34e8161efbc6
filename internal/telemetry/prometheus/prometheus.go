package prometheus

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Prefix is the metric namespace of the daemon's own telemetry.
	Prefix = "promsink"
)

type Recorder struct {
	reg prometheus.Registerer

	receivedEvents      *prometheus.CounterVec
	sentEvents          *prometheus.CounterVec
	invalidStatsdLines  *prometheus.CounterVec
	scrapeLatency       *prometheus.HistogramVec
	natsDecodeFailures  *prometheus.CounterVec
	bufferDroppedEvents *prometheus.CounterVec
	bufferEvents        *prometheus.GaugeVec
	activeSeries        *prometheus.GaugeVec
	expiredSeries       *prometheus.CounterVec
	renderLatency       *prometheus.HistogramVec
	renderSkipped       *prometheus.CounterVec
	pluginFailures      *prometheus.CounterVec
}

func NewRecorder(reg prometheus.Registerer) Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		reg: reg,

		receivedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "component",
				Name:      "received_events_total",
				Help:      "Total metric events received by a component.",
			},
			[]string{"component"},
		),

		sentEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "component",
				Name:      "sent_events_total",
				Help:      "Total metric events a component emitted onward.",
			},
			[]string{"component"},
		),

		invalidStatsdLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "statsd",
				Name:      "invalid_lines_total",
				Help:      "Total statsd lines that could not be parsed.",
			},
			[]string{"component"},
		),

		scrapeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Prefix,
				Subsystem: "scrape",
				Name:      "duration_seconds",
				Help:      "Duration histogram of Prometheus endpoint scrapes.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "endpoint", "success"},
		),

		natsDecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "nats",
				Name:      "decode_failures_total",
				Help:      "Total NATS payloads that could not be decoded into metric events.",
			},
			[]string{"component"},
		),

		bufferDroppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "buffer",
				Name:      "dropped_events_total",
				Help:      "Total metric events dropped by a full buffer.",
			},
			[]string{"component"},
		),

		bufferEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Prefix,
				Subsystem: "buffer",
				Name:      "events",
				Help:      "Metric events currently queued in a buffer.",
			},
			[]string{"component"},
		),

		activeSeries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Prefix,
				Subsystem: "exporter",
				Name:      "active_series",
				Help:      "Series currently held by an exporter sink.",
			},
			[]string{"component"},
		),

		expiredSeries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "exporter",
				Name:      "expired_series_total",
				Help:      "Total series removed from an exporter sink by expiration.",
			},
			[]string{"component"},
		),

		renderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Prefix,
				Subsystem: "exporter",
				Name:      "render_duration_seconds",
				Help:      "Duration histogram of exposition renders.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component"},
		),

		renderSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "exporter",
				Name:      "render_skipped_events_total",
				Help:      "Total metric events skipped while rendering the exposition.",
			},
			[]string{"component"},
		),

		pluginFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Prefix,
				Subsystem: "plugin",
				Name:      "apply_failures_total",
				Help:      "Total transform plugin application failures.",
			},
			[]string{"component"},
		),
	}

	r.init()

	return *r
}

func (r Recorder) init() {
	// Register our collectors.
	r.reg.MustRegister(
		r.receivedEvents,
		r.sentEvents,
		r.invalidStatsdLines,
		r.scrapeLatency,
		r.natsDecodeFailures,
		r.bufferDroppedEvents,
		r.bufferEvents,
		r.activeSeries,
		r.expiredSeries,
		r.renderLatency,
		r.renderSkipped,
		r.pluginFailures,
	)
}

func (r Recorder) ObserveEventsIn(ctx context.Context, component string, events int) {
	r.receivedEvents.WithLabelValues(component).Add(float64(events))
}

func (r Recorder) ObserveEventsOut(ctx context.Context, component string, events int) {
	r.sentEvents.WithLabelValues(component).Add(float64(events))
}

func (r Recorder) IncInvalidStatsdLines(ctx context.Context, component string) {
	r.invalidStatsdLines.WithLabelValues(component).Inc()
}

func (r Recorder) ObserveScrape(ctx context.Context, component, endpoint string, t time.Duration, err error) {
	r.scrapeLatency.WithLabelValues(component, endpoint, strconv.FormatBool(err == nil)).Observe(t.Seconds())
}

func (r Recorder) IncNATSDecodeFailures(ctx context.Context, component string) {
	r.natsDecodeFailures.WithLabelValues(component).Inc()
}

func (r Recorder) IncBufferDroppedEvents(ctx context.Context, component string, events int) {
	r.bufferDroppedEvents.WithLabelValues(component).Add(float64(events))
}

func (r Recorder) SetBufferDepth(ctx context.Context, component string, events int) {
	r.bufferEvents.WithLabelValues(component).Set(float64(events))
}

func (r Recorder) SetExporterActiveSeries(ctx context.Context, component string, series int) {
	r.activeSeries.WithLabelValues(component).Set(float64(series))
}

func (r Recorder) IncExporterExpiredSeries(ctx context.Context, component string, series int) {
	r.expiredSeries.WithLabelValues(component).Add(float64(series))
}

func (r Recorder) ObserveExporterRender(ctx context.Context, component string, t time.Duration, skipped int) {
	r.renderLatency.WithLabelValues(component).Observe(t.Seconds())
	r.renderSkipped.WithLabelValues(component).Add(float64(skipped))
}

func (r Recorder) IncPluginFailures(ctx context.Context, component string) {
	r.pluginFailures.WithLabelValues(component).Inc()
}
