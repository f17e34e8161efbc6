package prometheus_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	telemetryprometheus "github.com/promsink/promsink/internal/telemetry/prometheus"
)

func TestPrometheusTelemetryRecorder(t *testing.T) {
	tests := map[string]struct {
		measure    func(r telemetryprometheus.Recorder)
		expMetrics string
	}{
		"Measuring component events should count in and out separately.": {
			measure: func(r telemetryprometheus.Recorder) {
				r.ObserveEventsIn(context.TODO(), "statsd-in", 5)
				r.ObserveEventsIn(context.TODO(), "statsd-in", 2)
				r.ObserveEventsOut(context.TODO(), "statsd-in", 6)
			},
			expMetrics: `
				# HELP promsink_component_received_events_total Total metric events emitted into the pipeline by a component.
				# TYPE promsink_component_received_events_total counter
				promsink_component_received_events_total{component="statsd-in"} 7
				# HELP promsink_component_sent_events_total Total metric events delivered to a component's consumers.
				# TYPE promsink_component_sent_events_total counter
				promsink_component_sent_events_total{component="statsd-in"} 6
			`,
		},

		"Measuring decode and parse failures should count per component.": {
			measure: func(r telemetryprometheus.Recorder) {
				r.IncInvalidStatsdLines(context.TODO(), "statsd-in")
				r.IncInvalidStatsdLines(context.TODO(), "statsd-in")
				r.IncNATSDecodeFailures(context.TODO(), "bus")
				r.IncPluginFailures(context.TODO(), "enrich")
			},
			expMetrics: `
				# HELP promsink_statsd_invalid_lines_total Total statsd lines that could not be parsed.
				# TYPE promsink_statsd_invalid_lines_total counter
				promsink_statsd_invalid_lines_total{component="statsd-in"} 2
				# HELP promsink_nats_decode_failures_total Total NATS payloads that could not be decoded into metric events.
				# TYPE promsink_nats_decode_failures_total counter
				promsink_nats_decode_failures_total{component="bus"} 1
				# HELP promsink_plugin_apply_failures_total Total transform plugin application failures.
				# TYPE promsink_plugin_apply_failures_total counter
				promsink_plugin_apply_failures_total{component="enrich"} 1
			`,
		},

		"Measuring buffers should track depth and drops.": {
			measure: func(r telemetryprometheus.Recorder) {
				r.SetBufferDepth(context.TODO(), "prom", 100)
				r.SetBufferDepth(context.TODO(), "prom", 42)
				r.IncBufferDroppedEvents(context.TODO(), "prom", 3)
			},
			expMetrics: `
				# HELP promsink_buffer_events Metric events currently queued in a buffer.
				# TYPE promsink_buffer_events gauge
				promsink_buffer_events{component="prom"} 42
				# HELP promsink_buffer_dropped_events_total Total metric events dropped by a full buffer.
				# TYPE promsink_buffer_dropped_events_total counter
				promsink_buffer_dropped_events_total{component="prom"} 3
			`,
		},

		"Measuring exporter series should track active and expired.": {
			measure: func(r telemetryprometheus.Recorder) {
				r.SetExporterActiveSeries(context.TODO(), "prom", 12)
				r.IncExporterExpiredSeries(context.TODO(), "prom", 4)
				r.IncExporterExpiredSeries(context.TODO(), "prom", 1)
			},
			expMetrics: `
				# HELP promsink_exporter_active_series Series currently held by an exporter sink.
				# TYPE promsink_exporter_active_series gauge
				promsink_exporter_active_series{component="prom"} 12
				# HELP promsink_exporter_expired_series_total Total series removed from an exporter sink by expiration.
				# TYPE promsink_exporter_expired_series_total counter
				promsink_exporter_expired_series_total{component="prom"} 5
			`,
		},

		"Measuring scrapes should measure duration per endpoint and result.": {
			measure: func(r telemetryprometheus.Recorder) {
				r.ObserveScrape(context.TODO(), "edge", "10.0.0.5:9100", 1500*time.Millisecond, nil)
				r.ObserveScrape(context.TODO(), "edge", "10.0.0.5:9100", 3*time.Second, fmt.Errorf("some error"))
			},
			expMetrics: `
				# HELP promsink_scrape_duration_seconds Duration histogram of Prometheus endpoint scrapes.
				# TYPE promsink_scrape_duration_seconds histogram
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="0.005"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="0.01"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="0.025"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="0.05"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="0.1"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="0.25"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="0.5"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="1"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="2.5"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="5"} 1
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="10"} 1
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="false",le="+Inf"} 1
				promsink_scrape_duration_seconds_sum{component="edge",endpoint="10.0.0.5:9100",success="false"} 3
				promsink_scrape_duration_seconds_count{component="edge",endpoint="10.0.0.5:9100",success="false"} 1
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="0.005"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="0.01"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="0.025"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="0.05"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="0.1"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="0.25"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="0.5"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="1"} 0
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="2.5"} 1
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="5"} 1
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="10"} 1
				promsink_scrape_duration_seconds_bucket{component="edge",endpoint="10.0.0.5:9100",success="true",le="+Inf"} 1
				promsink_scrape_duration_seconds_sum{component="edge",endpoint="10.0.0.5:9100",success="true"} 1.5
				promsink_scrape_duration_seconds_count{component="edge",endpoint="10.0.0.5:9100",success="true"} 1
			`,
		},

		"Measuring renders should measure duration and skipped events.": {
			measure: func(r telemetryprometheus.Recorder) {
				r.ObserveExporterRender(context.TODO(), "prom", 20*time.Millisecond, 2)
			},
			expMetrics: `
				# HELP promsink_exporter_render_duration_seconds Duration histogram of exposition renders.
				# TYPE promsink_exporter_render_duration_seconds histogram
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="0.005"} 0
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="0.01"} 0
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="0.025"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="0.05"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="0.1"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="0.25"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="0.5"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="1"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="2.5"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="5"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="10"} 1
				promsink_exporter_render_duration_seconds_bucket{component="prom",le="+Inf"} 1
				promsink_exporter_render_duration_seconds_sum{component="prom"} 0.02
				promsink_exporter_render_duration_seconds_count{component="prom"} 1
				# HELP promsink_exporter_render_skipped_events_total Total metric events skipped while rendering the exposition.
				# TYPE promsink_exporter_render_skipped_events_total counter
				promsink_exporter_render_skipped_events_total{component="prom"} 2
			`,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			reg := prometheus.NewRegistry()
			rec := telemetryprometheus.NewRecorder(reg)

			test.measure(rec)

			// Check metrics.
			err := testutil.GatherAndCompare(reg, strings.NewReader(test.expMetrics))
			assert.NoError(err)
		})
	}
}
