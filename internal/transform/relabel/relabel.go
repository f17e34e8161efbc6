package relabel

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/prometheus/model/labels"
	promrelabel "github.com/prometheus/prometheus/model/relabel"

	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
)

// Events expose their name and namespace to the rules as regular labels, so
// rules can match, rewrite or drop on them like on any tag.
const (
	nameLabel      = labels.MetricName
	namespaceLabel = "__namespace__"
)

// Config is the configuration of a relabel transform.
type Config struct {
	// ID is the component name in the pipeline.
	ID string
	// Rules are Prometheus relabel rules, applied in order to every event.
	Rules  []*promrelabel.Config
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("transform id is required")
	}

	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one relabel rule is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"transform": c.ID})

	return nil
}

// Transform applies Prometheus relabel rules to metric events.
type Transform struct {
	cfg Config

	// mu guards rules, hot reloads swap them while batches flow.
	mu    sync.RWMutex
	rules []*promrelabel.Config
}

// NewTransform returns a relabel transform.
func NewTransform(config Config) (*Transform, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Transform{cfg: config, rules: config.Rules}, nil
}

// UpdateRules swaps the rule set in place, a running batch sees either the
// old or the new rules as a whole.
func (t *Transform) UpdateRules(rules []*promrelabel.Config) error {
	if len(rules) == 0 {
		return fmt.Errorf("at least one relabel rule is required")
	}

	t.mu.Lock()
	t.rules = rules
	t.mu.Unlock()

	t.cfg.Logger.Infof("Relabel rules updated")

	return nil
}

// Apply relabels every event of the batch, removing the ones the rules drop.
func (t *Transform) Apply(ctx context.Context, batch model.Batch) (model.Batch, error) {
	t.mu.RLock()
	rules := t.rules
	t.mu.RUnlock()

	result := make(model.Batch, 0, len(batch))
	for _, metric := range batch {
		relabeled, ok := t.applyMetric(metric, rules)
		if !ok {
			continue
		}
		result = append(result, relabeled)
	}

	return result, nil
}

func (t *Transform) applyMetric(metric model.Metric, rules []*promrelabel.Config) (model.Metric, bool) {
	lset := make(map[string]string, len(metric.Tags)+2)
	for k, v := range metric.Tags {
		lset[k] = v
	}
	lset[nameLabel] = metric.Name
	if metric.Namespace != "" {
		lset[namespaceLabel] = metric.Namespace
	}

	relabeled, keep := promrelabel.Process(labels.FromMap(lset), rules...)
	if !keep {
		return model.Metric{}, false
	}

	name := relabeled.Get(nameLabel)
	if name == "" {
		t.cfg.Logger.Debugf("Discarded event %q: rules removed the metric name", metric.Name)
		return model.Metric{}, false
	}

	tags := relabeled.Map()
	delete(tags, nameLabel)
	delete(tags, namespaceLabel)
	if len(tags) == 0 {
		tags = nil
	}

	metric.Name = name
	metric.Namespace = relabeled.Get(namespaceLabel)
	metric.Tags = tags

	return metric, true
}
