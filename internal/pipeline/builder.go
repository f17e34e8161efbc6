package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promsink/promsink/internal/buffer"
	"github.com/promsink/promsink/internal/config"
	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/sink/console"
	"github.com/promsink/promsink/internal/sink/prometheusexporter"
	"github.com/promsink/promsink/internal/source/internalmetrics"
	"github.com/promsink/promsink/internal/source/natssource"
	"github.com/promsink/promsink/internal/source/prometheusscrape"
	"github.com/promsink/promsink/internal/source/statsd"
	"github.com/promsink/promsink/internal/telemetry"
	transformplugin "github.com/promsink/promsink/internal/transform/plugin"
	"github.com/promsink/promsink/internal/transform/relabel"
)

// Config is the configuration to build a pipeline.
type Config struct {
	// App is the loaded application configuration.
	App *config.AppConfig
	// PluginGetter resolves transform plugins, required when the topology
	// has plugin transforms.
	PluginGetter transformplugin.PluginGetter
	// Gatherer feeds internal_metrics sources, the process default registry
	// when unset.
	Gatherer        prometheus.Gatherer
	MetricsRecorder telemetry.Recorder
	Logger          log.Logger
}

func (c *Config) defaults() error {
	if c.App == nil {
		return fmt.Errorf("application configuration is required")
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = telemetry.NoopRecorder
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// NewPipeline validates the topology and builds every component ready to run.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validateTopology(cfg.App); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}

	p := &Pipeline{
		sources:   map[string]Source{},
		sinks:     map[string]Sink{},
		buffers:   map[string]buffer.Buffer{},
		consumers: map[string][]*node{},
		relabels:  map[string]*relabel.Transform{},
		shape:     topologyShape(cfg.App),
		recorder:  cfg.MetricsRecorder,
		logger:    cfg.Logger,
	}

	transformNodes := map[string]*node{}
	for name, transformCfg := range cfg.App.Transforms {
		transform, err := buildTransform(name, transformCfg, cfg)
		if err != nil {
			return nil, fmt.Errorf("could not build transform %q: %w", name, err)
		}
		transformNodes[name] = &node{name: name, transform: transform}

		if rt, ok := transform.(*relabel.Transform); ok {
			p.relabels[name] = rt
		}
	}
	for name, transformCfg := range cfg.App.Transforms {
		for _, input := range transformCfg.Inputs {
			p.consumers[input] = append(p.consumers[input], transformNodes[name])
		}
	}

	for name, sinkCfg := range cfg.App.Sinks {
		buf, err := buildBuffer(name, sinkCfg.Buffer, cfg)
		if err != nil {
			return nil, fmt.Errorf("could not build buffer for sink %q: %w", name, err)
		}

		sink, err := buildSink(name, sinkCfg, buf, cfg)
		if err != nil {
			return nil, fmt.Errorf("could not build sink %q: %w", name, err)
		}

		p.sinks[name] = sink
		p.buffers[name] = buf
		sinkNode := &node{name: name, buffer: buf}
		for _, input := range sinkCfg.Inputs {
			p.consumers[input] = append(p.consumers[input], sinkNode)
		}
	}

	for name, sourceCfg := range cfg.App.Sources {
		emit := func(ctx context.Context, batch model.Batch) error {
			return p.deliver(ctx, name, batch)
		}

		source, err := buildSource(name, sourceCfg, emit, cfg)
		if err != nil {
			return nil, fmt.Errorf("could not build source %q: %w", name, err)
		}
		p.sources[name] = source
	}

	return p, nil
}

// Reload applies a new configuration to a running pipeline. Only settings
// that can change without rebuilding components are applied, relabel rules
// today. A changed topology is logged and needs a restart to take effect.
func (p *Pipeline) Reload(ctx context.Context, app *config.AppConfig) error {
	if app == nil {
		return fmt.Errorf("application configuration is required")
	}

	if err := validateTopology(app); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}

	if !reflect.DeepEqual(p.shape, topologyShape(app)) {
		p.logger.Warningf("Topology changed in the new configuration, restart the process to apply it")
	}

	updated := 0
	for name, transformCfg := range app.Transforms {
		if transformCfg.Relabel == nil {
			continue
		}

		transform, ok := p.relabels[name]
		if !ok {
			continue
		}

		if err := transform.UpdateRules(transformCfg.Relabel.Rules); err != nil {
			return fmt.Errorf("could not update rules of transform %q: %w", name, err)
		}
		updated++
	}

	p.logger.WithValues(log.Kv{"transforms": updated}).Infof("Pipeline reloaded")

	return nil
}

// Validate builds every component of the configuration without starting
// anything. Disk buffers are swapped for memory ones so validating never
// touches the filesystem.
func Validate(cfg Config) error {
	if err := cfg.defaults(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validateTopology(cfg.App); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}

	for name, transformCfg := range cfg.App.Transforms {
		if _, err := buildTransform(name, transformCfg, cfg); err != nil {
			return fmt.Errorf("could not build transform %q: %w", name, err)
		}
	}

	noopEmit := func(context.Context, model.Batch) error { return nil }
	for name, sourceCfg := range cfg.App.Sources {
		if _, err := buildSource(name, sourceCfg, noopEmit, cfg); err != nil {
			return fmt.Errorf("could not build source %q: %w", name, err)
		}
	}

	for name, sinkCfg := range cfg.App.Sinks {
		bufCfg := sinkCfg.Buffer
		if bufCfg.Type == "disk" {
			if bufCfg.Path == "" {
				return fmt.Errorf("could not build buffer for sink %q: buffer path is required", name)
			}
			bufCfg.Type = "memory"
		}

		buf, err := buildBuffer(name, bufCfg, cfg)
		if err != nil {
			return fmt.Errorf("could not build buffer for sink %q: %w", name, err)
		}

		_, err = buildSink(name, sinkCfg, buf, cfg)
		buf.Close()
		if err != nil {
			return fmt.Errorf("could not build sink %q: %w", name, err)
		}
	}

	return nil
}

// componentShape is the identity of a component in the topology, the parts a
// live reload can't change.
type componentShape struct {
	kind   string
	typ    string
	inputs string
}

func topologyShape(app *config.AppConfig) map[string]componentShape {
	shape := map[string]componentShape{}
	for name, source := range app.Sources {
		shape[name] = componentShape{kind: "source", typ: source.Type}
	}
	for name, transform := range app.Transforms {
		shape[name] = componentShape{kind: "transform", typ: transform.Type, inputs: joinSorted(transform.Inputs)}
	}
	for name, sink := range app.Sinks {
		shape[name] = componentShape{kind: "sink", typ: sink.Type, inputs: joinSorted(sink.Inputs)}
	}

	return shape
}

func joinSorted(ss []string) string {
	sorted := make([]string, len(ss))
	copy(sorted, ss)
	sort.Strings(sorted)

	return strings.Join(sorted, ",")
}

// validateTopology checks the component graph before anything is built: known
// references, source to transforms to sink flow, no cycles, no dangling
// producers, unique names.
func validateTopology(app *config.AppConfig) error {
	names := map[string]string{}
	for name := range app.Sources {
		names[name] = "source"
	}
	for name := range app.Transforms {
		if prev, ok := names[name]; ok {
			return fmt.Errorf("component name %q used by both a %s and a transform", name, prev)
		}
		names[name] = "transform"
	}
	for name := range app.Sinks {
		if prev, ok := names[name]; ok {
			return fmt.Errorf("component name %q used by both a %s and a sink", name, prev)
		}
		names[name] = "sink"
	}

	consumed := map[string]bool{}
	for name, transform := range app.Transforms {
		if len(transform.Inputs) == 0 {
			return fmt.Errorf("transform %q has no inputs", name)
		}
		for _, input := range transform.Inputs {
			kind, ok := names[input]
			if !ok {
				return fmt.Errorf("transform %q references unknown input %q", name, input)
			}
			if kind == "sink" {
				return fmt.Errorf("transform %q can't consume from sink %q", name, input)
			}
			consumed[input] = true
		}
	}
	for name, sink := range app.Sinks {
		if len(sink.Inputs) == 0 {
			return fmt.Errorf("sink %q has no inputs", name)
		}
		for _, input := range sink.Inputs {
			kind, ok := names[input]
			if !ok {
				return fmt.Errorf("sink %q references unknown input %q", name, input)
			}
			if kind == "sink" {
				return fmt.Errorf("sink %q can't consume from sink %q", name, input)
			}
			consumed[input] = true
		}
	}

	for name := range app.Sources {
		if !consumed[name] {
			return fmt.Errorf("source %q is not consumed by any component", name)
		}
	}
	for name := range app.Transforms {
		if !consumed[name] {
			return fmt.Errorf("transform %q is not consumed by any component", name)
		}
	}

	// Transform chains must be acyclic, sources have no inputs and sinks
	// can't be inputs, so only transforms can form cycles.
	const (
		white = iota
		grey
		black
	)
	colors := map[string]int{}
	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case grey:
			return fmt.Errorf("transform %q is part of a cycle", name)
		case black:
			return nil
		}

		colors[name] = grey
		for _, input := range app.Transforms[name].Inputs {
			if _, ok := app.Transforms[input]; !ok {
				continue
			}
			if err := visit(input); err != nil {
				return err
			}
		}
		colors[name] = black

		return nil
	}
	for name := range app.Transforms {
		if err := visit(name); err != nil {
			return err
		}
	}

	return nil
}

func buildSource(name string, cfg config.SourceConfig, emit func(context.Context, model.Batch) error, bcfg Config) (Source, error) {
	switch {
	case cfg.Statsd != nil:
		return statsd.NewSource(statsd.Config{
			ID:              name,
			Address:         cfg.Statsd.Address,
			Protocol:        cfg.Statsd.Protocol,
			TimerStatistic:  cfg.Statsd.TimerStatistic,
			Emit:            emit,
			MetricsRecorder: bcfg.MetricsRecorder,
			Logger:          bcfg.Logger,
		})
	case cfg.PrometheusScrape != nil:
		return prometheusscrape.NewSource(prometheusscrape.Config{
			ID:              name,
			Endpoints:       cfg.PrometheusScrape.Endpoints,
			ScrapeInterval:  cfg.PrometheusScrape.ScrapeInterval.Std(),
			Timeout:         cfg.PrometheusScrape.Timeout.Std(),
			Emit:            emit,
			MetricsRecorder: bcfg.MetricsRecorder,
			Logger:          bcfg.Logger,
		})
	case cfg.NATS != nil:
		return natssource.NewSource(natssource.Config{
			ID:              name,
			URL:             cfg.NATS.URL,
			Subject:         cfg.NATS.Subject,
			Queue:           cfg.NATS.Queue,
			Emit:            emit,
			MetricsRecorder: bcfg.MetricsRecorder,
			Logger:          bcfg.Logger,
		})
	case cfg.InternalMetrics != nil:
		return internalmetrics.NewSource(internalmetrics.Config{
			ID:              name,
			Interval:        cfg.InternalMetrics.Interval.Std(),
			Gatherer:        bcfg.Gatherer,
			Emit:            emit,
			MetricsRecorder: bcfg.MetricsRecorder,
			Logger:          bcfg.Logger,
		})
	}

	return nil, fmt.Errorf("unknown source type %q", cfg.Type)
}

func buildTransform(name string, cfg config.TransformConfig, bcfg Config) (Transform, error) {
	switch {
	case cfg.Relabel != nil:
		return relabel.NewTransform(relabel.Config{
			ID:     name,
			Rules:  cfg.Relabel.Rules,
			Logger: bcfg.Logger,
		})
	case cfg.Plugin != nil:
		if bcfg.PluginGetter == nil {
			return nil, fmt.Errorf("a plugin repository is required")
		}
		return transformplugin.NewTransform(transformplugin.Config{
			ID:              name,
			Plugin:          cfg.Plugin.Plugin,
			PluginGetter:    bcfg.PluginGetter,
			MetricsRecorder: bcfg.MetricsRecorder,
			Logger:          bcfg.Logger,
		})
	}

	return nil, fmt.Errorf("unknown transform type %q", cfg.Type)
}

func buildBuffer(sinkName string, cfg config.BufferConfig, bcfg Config) (buffer.Buffer, error) {
	dropNewest := cfg.WhenFull == "drop_newest"

	switch cfg.Type {
	case "", "memory":
		return buffer.NewMemory(buffer.MemoryConfig{
			ID:              sinkName,
			MaxEvents:       cfg.MaxEvents,
			DropNewest:      dropNewest,
			MetricsRecorder: bcfg.MetricsRecorder,
		})
	case "disk":
		return buffer.NewDisk(buffer.DiskConfig{
			ID:              sinkName,
			Path:            cfg.Path,
			MaxEvents:       cfg.MaxEvents,
			DropNewest:      dropNewest,
			MetricsRecorder: bcfg.MetricsRecorder,
			Logger:          bcfg.Logger,
		})
	}

	return nil, fmt.Errorf("unknown buffer type %q", cfg.Type)
}

func buildSink(name string, cfg config.SinkConfig, buf buffer.Buffer, bcfg Config) (Sink, error) {
	switch {
	case cfg.PrometheusExporter != nil:
		exporter := cfg.PrometheusExporter
		var username, password string
		if exporter.Auth != nil {
			username = exporter.Auth.Username
			password = exporter.Auth.Password
		}

		return prometheusexporter.NewSink(prometheusexporter.Config{
			ID:                       name,
			Address:                  exporter.Address,
			Path:                     exporter.Path,
			DefaultNamespace:         exporter.DefaultNamespace,
			Buckets:                  exporter.Buckets,
			Quantiles:                exporter.Quantiles,
			DistributionsAsSummaries: exporter.DistributionsAsSummaries,
			SuppressTimestamps:       exporter.SuppressTimestamps,
			FlushPeriod:              exporter.FlushPeriod.Std(),
			ExpireMetrics:            exporter.ExpireMetrics.Std(),
			AuthUsername:             username,
			AuthPassword:             password,
			Buffer:                   buf,
			MetricsRecorder:          bcfg.MetricsRecorder,
			Logger:                   bcfg.Logger,
		})
	case cfg.Console != nil:
		return console.NewSink(console.Config{
			ID:              name,
			Target:          cfg.Console.Target,
			Buffer:          buf,
			MetricsRecorder: bcfg.MetricsRecorder,
			Logger:          bcfg.Logger,
		})
	}

	return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
}
