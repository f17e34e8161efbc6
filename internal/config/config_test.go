package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/prometheus/model/relabel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promsink/promsink/internal/config"
)

func TestLoad(t *testing.T) {
	tests := map[string]struct {
		config    string
		expConfig *config.AppConfig
		expErr    bool
	}{
		"A config with every component type should load with defaults applied.": {
			config: `
plugin_paths: ["./plugins"]

sources:
  app:
    type: statsd
  edge:
    type: prometheus_scrape
    endpoints: ["http://10.0.0.5:9100/metrics"]
  bus:
    type: nats
    url: nats://127.0.0.1:4222
    subject: metrics
    queue: promsink
  self:
    type: internal_metrics

sinks:
  prom:
    type: prometheus_exporter
    inputs: [app, edge, bus, self]
    default_namespace: svc
    expire_metrics: 5m
  debug:
    type: console
    inputs: [app]
    target: stderr
    buffer:
      type: disk
      path: /tmp/buffer.db
      max_events: 100
      when_full: drop_newest
`,
			expConfig: &config.AppConfig{
				Log: config.LogConfig{Level: "info", Format: "text"},
				Telemetry: config.TelemetryConfig{
					ListenAddress: ":8081",
					MetricsPath:   "/metrics",
					HealthPath:    "/healthz",
				},
				PluginPaths: []string{"./plugins"},
				Sources: map[string]config.SourceConfig{
					"app": {
						Type: "statsd",
						Statsd: &config.StatsdSourceConfig{
							Address:        ":8125",
							Protocol:       "udp",
							TimerStatistic: "histogram",
						},
					},
					"edge": {
						Type: "prometheus_scrape",
						PrometheusScrape: &config.PrometheusScrapeSourceConfig{
							Endpoints:      []string{"http://10.0.0.5:9100/metrics"},
							ScrapeInterval: config.Duration(15 * time.Second),
							Timeout:        config.Duration(10 * time.Second),
						},
					},
					"bus": {
						Type: "nats",
						NATS: &config.NATSSourceConfig{
							URL:     "nats://127.0.0.1:4222",
							Subject: "metrics",
							Queue:   "promsink",
						},
					},
					"self": {
						Type: "internal_metrics",
						InternalMetrics: &config.InternalMetricsSourceConfig{
							Interval: config.Duration(30 * time.Second),
						},
					},
				},
				Sinks: map[string]config.SinkConfig{
					"prom": {
						Type:   "prometheus_exporter",
						Inputs: []string{"app", "edge", "bus", "self"},
						Buffer: config.BufferConfig{
							Type:      "memory",
							MaxEvents: 2048,
							WhenFull:  "block",
						},
						PrometheusExporter: &config.PrometheusExporterSinkConfig{
							Address:          ":9598",
							Path:             "/metrics",
							DefaultNamespace: "svc",
							FlushPeriod:      config.Duration(60 * time.Second),
							ExpireMetrics:    config.Duration(5 * time.Minute),
						},
					},
					"debug": {
						Type:   "console",
						Inputs: []string{"app"},
						Buffer: config.BufferConfig{
							Type:      "disk",
							MaxEvents: 100,
							WhenFull:  "drop_newest",
							Path:      "/tmp/buffer.db",
						},
						Console: &config.ConsoleSinkConfig{Target: "stderr"},
					},
				},
			},
		},

		"An unknown source type should fail.": {
			config: `
sources:
  app:
    type: carrier-pigeon
sinks:
  debug:
    type: console
    inputs: [app]
`,
			expErr: true,
		},

		"A sink without type should fail.": {
			config: `
sources:
  app:
    type: statsd
sinks:
  debug:
    inputs: [app]
`,
			expErr: true,
		},

		"A NATS source without subject should fail validation.": {
			config: `
sources:
  bus:
    type: nats
    url: nats://127.0.0.1:4222
sinks:
  debug:
    type: console
    inputs: [bus]
`,
			expErr: true,
		},

		"A disk buffer without path should fail validation.": {
			config: `
sources:
  app:
    type: statsd
sinks:
  debug:
    type: console
    inputs: [app]
    buffer:
      type: disk
`,
			expErr: true,
		},

		"A malformed duration should fail.": {
			config: `
sources:
  edge:
    type: prometheus_scrape
    endpoints: ["http://10.0.0.5:9100/metrics"]
    scrape_interval: quickly
sinks:
  debug:
    type: console
    inputs: [edge]
`,
			expErr: true,
		},

		"A config without sources should fail validation.": {
			config: `
sinks:
  debug:
    type: console
    inputs: []
`,
			expErr: true,
		},

		"A console sink with an unknown target should fail validation.": {
			config: `
sources:
  app:
    type: statsd
sinks:
  debug:
    type: console
    inputs: [app]
    target: /dev/null
`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			cfg, err := config.Load(strings.NewReader(test.config))

			if test.expErr {
				assert.Error(err)
				return
			}

			assert.NoError(err)
			assert.Equal(test.expConfig, cfg)
		})
	}
}

func TestLoadTransforms(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cfg, err := config.Load(strings.NewReader(`
sources:
  app:
    type: statsd

transforms:
  clean:
    type: relabel
    inputs: [app]
    rules:
      - source_labels: [__name__]
        regex: "app_.*"
        action: keep
  enrich:
    type: plugin
    inputs: [clean]
    plugin: add_env_tag

sinks:
  prom:
    type: prometheus_exporter
    inputs: [enrich]
`))
	require.NoError(err)

	clean, ok := cfg.Transforms["clean"]
	require.True(ok)
	assert.Equal("relabel", clean.Type)
	assert.Equal([]string{"app"}, clean.Inputs)
	require.NotNil(clean.Relabel)
	require.Len(clean.Relabel.Rules, 1)
	assert.Equal(relabel.Keep, clean.Relabel.Rules[0].Action)

	enrich, ok := cfg.Transforms["enrich"]
	require.True(ok)
	assert.Equal("plugin", enrich.Type)
	require.NotNil(enrich.Plugin)
	assert.Equal("add_env_tag", enrich.Plugin.Plugin)
}
