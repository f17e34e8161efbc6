package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	pluginenginetransform "github.com/promsink/promsink/internal/pluginengine/transform"
	"github.com/promsink/promsink/internal/telemetry"
	pluginv1 "github.com/promsink/promsink/pkg/pipeline/plugin/v1"
)

// PluginGetter knows how to resolve transform plugins by ID.
type PluginGetter interface {
	GetTransformPlugin(ctx context.Context, id string) (*pluginenginetransform.TransformPlugin, error)
}

// Config is the configuration of a plugin transform.
type Config struct {
	// ID is the component name in the pipeline.
	ID string
	// Plugin is the ID of the transform plugin to apply.
	Plugin string
	// PluginGetter resolves the plugin on every batch, so plugin reloads take
	// effect without rebuilding the pipeline.
	PluginGetter    PluginGetter
	MetricsRecorder telemetry.Recorder
	Logger          log.Logger
}

func (c *Config) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("transform id is required")
	}

	if c.Plugin == "" {
		return fmt.Errorf("plugin id is required")
	}

	if c.PluginGetter == nil {
		return fmt.Errorf("plugin getter is required")
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = telemetry.NoopRecorder
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"transform": c.ID, "plugin": c.Plugin})

	return nil
}

// Transform applies a loaded transform plugin to every metric event. Events
// are handed to the plugin in their JSON object form, a nil result drops the
// event and a failing plugin keeps the event untouched.
type Transform struct {
	cfg Config
}

// NewTransform returns a plugin transform, failing if the plugin can't be
// resolved at build time.
func NewTransform(config Config) (*Transform, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	_, err := config.PluginGetter.GetTransformPlugin(context.Background(), config.Plugin)
	if err != nil {
		return nil, fmt.Errorf("could not get plugin %q: %w", config.Plugin, err)
	}

	return &Transform{cfg: config}, nil
}

// Apply runs the plugin on every event of the batch.
func (t *Transform) Apply(ctx context.Context, batch model.Batch) (model.Batch, error) {
	plugin, err := t.cfg.PluginGetter.GetTransformPlugin(ctx, t.cfg.Plugin)
	if err != nil {
		return nil, fmt.Errorf("could not get plugin %q: %w", t.cfg.Plugin, err)
	}

	result := make(model.Batch, 0, len(batch))
	for _, metric := range batch {
		transformed, ok := t.applyMetric(ctx, plugin.Func, metric)
		if !ok {
			continue
		}
		result = append(result, transformed)
	}

	return result, nil
}

func (t *Transform) applyMetric(ctx context.Context, apply pluginv1.TransformPlugin, metric model.Metric) (model.Metric, bool) {
	event, err := metricToEvent(metric)
	if err != nil {
		t.cfg.MetricsRecorder.IncPluginFailures(ctx, t.cfg.ID)
		t.cfg.Logger.Warningf("Could not encode event %q for the plugin, kept as is: %s", metric.Name, err)
		return metric, true
	}

	transformed, err := apply(ctx, event)
	if err != nil {
		t.cfg.MetricsRecorder.IncPluginFailures(ctx, t.cfg.ID)
		t.cfg.Logger.Warningf("Plugin failed on event %q, kept as is: %s", metric.Name, err)
		return metric, true
	}

	if transformed == nil {
		return model.Metric{}, false
	}

	result, err := eventToMetric(transformed)
	if err != nil {
		t.cfg.MetricsRecorder.IncPluginFailures(ctx, t.cfg.ID)
		t.cfg.Logger.Warningf("Plugin returned an invalid event for %q, kept as is: %s", metric.Name, err)
		return metric, true
	}

	return result, true
}

func metricToEvent(metric model.Metric) (map[string]interface{}, error) {
	data, err := json.Marshal(metric)
	if err != nil {
		return nil, err
	}

	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}

	return event, nil
}

func eventToMetric(event map[string]interface{}) (model.Metric, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return model.Metric{}, err
	}

	var metric model.Metric
	if err := json.Unmarshal(data, &metric); err != nil {
		return model.Metric{}, err
	}

	if err := metric.Validate(); err != nil {
		return model.Metric{}, err
	}

	return metric, nil
}
