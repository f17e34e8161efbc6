package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/prometheus/model/relabel"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that accepts Go duration strings in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AppConfig is the daemon configuration: its own logging and telemetry plus
// the pipeline topology as named sources, transforms and sinks.
type AppConfig struct {
	Log         LogConfig                  `yaml:"log"`
	Telemetry   TelemetryConfig            `yaml:"telemetry"`
	PluginPaths []string                   `yaml:"plugin_paths"`
	Sources     map[string]SourceConfig    `yaml:"sources" validate:"min=1,dive"`
	Transforms  map[string]TransformConfig `yaml:"transforms" validate:"dive"`
	Sinks       map[string]SinkConfig      `yaml:"sinks" validate:"min=1,dive"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig configures the daemon's own admin server, the one serving
// the daemon's metrics, not the exporter sinks.
type TelemetryConfig struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`
	MetricsPath   string `yaml:"metrics_path" validate:"required"`
	HealthPath    string `yaml:"health_path" validate:"required"`
	Pprof         bool   `yaml:"pprof"`
}

// Source types.
const (
	SourceTypeStatsd           = "statsd"
	SourceTypePrometheusScrape = "prometheus_scrape"
	SourceTypeNATS             = "nats"
	SourceTypeInternalMetrics  = "internal_metrics"
)

// SourceConfig is one named source entry. Type selects which concrete config
// is set, the others stay nil.
type SourceConfig struct {
	Type string

	Statsd           *StatsdSourceConfig
	PrometheusScrape *PrometheusScrapeSourceConfig
	NATS             *NATSSourceConfig
	InternalMetrics  *InternalMetricsSourceConfig
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *SourceConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := unmarshal(&head); err != nil {
		return err
	}

	s.Type = head.Type
	switch head.Type {
	case SourceTypeStatsd:
		s.Statsd = &StatsdSourceConfig{}
		return unmarshal(s.Statsd)
	case SourceTypePrometheusScrape:
		s.PrometheusScrape = &PrometheusScrapeSourceConfig{}
		return unmarshal(s.PrometheusScrape)
	case SourceTypeNATS:
		s.NATS = &NATSSourceConfig{}
		return unmarshal(s.NATS)
	case SourceTypeInternalMetrics:
		s.InternalMetrics = &InternalMetricsSourceConfig{}
		return unmarshal(s.InternalMetrics)
	case "":
		return fmt.Errorf("source type is required")
	}

	return fmt.Errorf("unknown source type %q", head.Type)
}

// StatsdSourceConfig configures a statsd listener source.
type StatsdSourceConfig struct {
	Address        string `yaml:"address" validate:"required"`
	Protocol       string `yaml:"protocol" validate:"oneof=udp tcp"`
	TimerStatistic string `yaml:"timer_statistic" validate:"oneof=histogram summary"`
}

func (c *StatsdSourceConfig) defaults() {
	if c.Address == "" {
		c.Address = ":8125"
	}
	if c.Protocol == "" {
		c.Protocol = "udp"
	}
	if c.TimerStatistic == "" {
		c.TimerStatistic = "histogram"
	}
}

// PrometheusScrapeSourceConfig configures a Prometheus scraping source.
type PrometheusScrapeSourceConfig struct {
	Endpoints      []string `yaml:"endpoints" validate:"required,min=1,dive,url"`
	ScrapeInterval Duration `yaml:"scrape_interval"`
	Timeout        Duration `yaml:"timeout"`
}

func (c *PrometheusScrapeSourceConfig) defaults() {
	if c.ScrapeInterval == 0 {
		c.ScrapeInterval = Duration(15 * time.Second)
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(10 * time.Second)
	}
}

// NATSSourceConfig configures a NATS subscription source.
type NATSSourceConfig struct {
	URL     string `yaml:"url" validate:"required"`
	Subject string `yaml:"subject" validate:"required"`
	Queue   string `yaml:"queue"`
}

func (c *NATSSourceConfig) defaults() {}

// InternalMetricsSourceConfig configures the self-observation source.
type InternalMetricsSourceConfig struct {
	Interval Duration `yaml:"interval"`
}

func (c *InternalMetricsSourceConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = Duration(30 * time.Second)
	}
}

// Transform types.
const (
	TransformTypeRelabel = "relabel"
	TransformTypePlugin  = "plugin"
)

// TransformConfig is one named transform entry.
type TransformConfig struct {
	Type   string
	Inputs []string

	Relabel *RelabelTransformConfig
	Plugin  *PluginTransformConfig
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TransformConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var head struct {
		Type   string   `yaml:"type"`
		Inputs []string `yaml:"inputs"`
	}
	if err := unmarshal(&head); err != nil {
		return err
	}

	t.Type = head.Type
	t.Inputs = head.Inputs
	switch head.Type {
	case TransformTypeRelabel:
		t.Relabel = &RelabelTransformConfig{}
		return unmarshal(t.Relabel)
	case TransformTypePlugin:
		t.Plugin = &PluginTransformConfig{}
		return unmarshal(t.Plugin)
	case "":
		return fmt.Errorf("transform type is required")
	}

	return fmt.Errorf("unknown transform type %q", head.Type)
}

// RelabelTransformConfig configures a Prometheus relabeling transform. Rules
// use the upstream relabel_config format.
type RelabelTransformConfig struct {
	Rules []*relabel.Config `yaml:"rules" validate:"required,min=1"`
}

func (c *RelabelTransformConfig) defaults() {}

// PluginTransformConfig configures a transform backed by a loaded plugin.
type PluginTransformConfig struct {
	Plugin string `yaml:"plugin" validate:"required"`
}

func (c *PluginTransformConfig) defaults() {}

// Sink types.
const (
	SinkTypePrometheusExporter = "prometheus_exporter"
	SinkTypeConsole            = "console"
)

// SinkConfig is one named sink entry. Every sink consumes through a buffer.
type SinkConfig struct {
	Type   string
	Inputs []string
	Buffer BufferConfig

	PrometheusExporter *PrometheusExporterSinkConfig
	Console            *ConsoleSinkConfig
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *SinkConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var head struct {
		Type   string       `yaml:"type"`
		Inputs []string     `yaml:"inputs"`
		Buffer BufferConfig `yaml:"buffer"`
	}
	if err := unmarshal(&head); err != nil {
		return err
	}

	s.Type = head.Type
	s.Inputs = head.Inputs
	s.Buffer = head.Buffer
	switch head.Type {
	case SinkTypePrometheusExporter:
		s.PrometheusExporter = &PrometheusExporterSinkConfig{}
		return unmarshal(s.PrometheusExporter)
	case SinkTypeConsole:
		s.Console = &ConsoleSinkConfig{}
		return unmarshal(s.Console)
	case "":
		return fmt.Errorf("sink type is required")
	}

	return fmt.Errorf("unknown sink type %q", head.Type)
}

// BufferConfig configures the buffer in front of a sink.
type BufferConfig struct {
	Type      string `yaml:"type" validate:"oneof=memory disk"`
	MaxEvents int    `yaml:"max_events" validate:"min=1"`
	WhenFull  string `yaml:"when_full" validate:"oneof=block drop_newest"`
	Path      string `yaml:"path" validate:"required_if=Type disk"`
}

func (c *BufferConfig) defaults() {
	if c.Type == "" {
		c.Type = "memory"
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 2048
	}
	if c.WhenFull == "" {
		c.WhenFull = "block"
	}
}

// PrometheusExporterSinkConfig configures a Prometheus exporter sink.
type PrometheusExporterSinkConfig struct {
	Address                  string      `yaml:"address" validate:"required"`
	Path                     string      `yaml:"path" validate:"required"`
	DefaultNamespace         string      `yaml:"default_namespace"`
	Buckets                  []float64   `yaml:"buckets"`
	Quantiles                []float64   `yaml:"quantiles"`
	DistributionsAsSummaries bool        `yaml:"distributions_as_summaries"`
	SuppressTimestamps       bool        `yaml:"suppress_timestamps"`
	FlushPeriod              Duration    `yaml:"flush_period"`
	ExpireMetrics            Duration    `yaml:"expire_metrics"`
	Auth                     *AuthConfig `yaml:"auth"`
}

// AuthConfig is HTTP basic auth for an exporter sink.
type AuthConfig struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
}

func (c *PrometheusExporterSinkConfig) defaults() {
	if c.Address == "" {
		c.Address = ":9598"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if c.FlushPeriod == 0 {
		c.FlushPeriod = Duration(60 * time.Second)
	}
}

// ConsoleSinkConfig configures a JSON lines debugging sink.
type ConsoleSinkConfig struct {
	Target string `yaml:"target" validate:"oneof=stdout stderr"`
}

func (c *ConsoleSinkConfig) defaults() {
	if c.Target == "" {
		c.Target = "stdout"
	}
}

func (c *AppConfig) defaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Telemetry.ListenAddress == "" {
		c.Telemetry.ListenAddress = ":8081"
	}
	if c.Telemetry.MetricsPath == "" {
		c.Telemetry.MetricsPath = "/metrics"
	}
	if c.Telemetry.HealthPath == "" {
		c.Telemetry.HealthPath = "/healthz"
	}

	for _, source := range c.Sources {
		switch {
		case source.Statsd != nil:
			source.Statsd.defaults()
		case source.PrometheusScrape != nil:
			source.PrometheusScrape.defaults()
		case source.NATS != nil:
			source.NATS.defaults()
		case source.InternalMetrics != nil:
			source.InternalMetrics.defaults()
		}
	}

	for _, transform := range c.Transforms {
		switch {
		case transform.Relabel != nil:
			transform.Relabel.defaults()
		case transform.Plugin != nil:
			transform.Plugin.defaults()
		}
	}

	for name, sink := range c.Sinks {
		sink.Buffer.defaults()
		switch {
		case sink.PrometheusExporter != nil:
			sink.PrometheusExporter.defaults()
		case sink.Console != nil:
			sink.Console.defaults()
		}
		c.Sinks[name] = sink
	}
}

var structValidate = validator.New()

// Validate checks the configuration shape. Topology checks (input references,
// cycles) belong to the pipeline builder.
func (c *AppConfig) Validate() error {
	return structValidate.Struct(c)
}

// Load reads a YAML configuration, applies defaults and validates it.
func Load(r io.Reader) (*AppConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal configuration: %w", err)
	}

	cfg.defaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFile loads a configuration from a file path.
func LoadFile(path string) (*AppConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open configuration file: %w", err)
	}
	defer f.Close()

	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("could not load %q: %w", path, err)
	}

	return cfg, nil
}
