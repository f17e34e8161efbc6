package normalize

import (
	"github.com/promsink/promsink/internal/model"
)

// Normalizer folds a stream of metric events into absolute metrics suitable
// for exposition. It keeps the latest absolute value per series and
// accumulates incremental events on top of it.
//
// It is not safe for concurrent use.
type Normalizer struct {
	state map[string]model.MetricValue
}

// NewNormalizer returns an empty Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{state: map[string]model.MetricValue{}}
}

// Normalize converts metric into an absolute metric, updating the per-series
// state. It reports false when the metric can't be normalized: incremental
// aggregated summaries have no meaningful accumulation and are dropped.
func (n *Normalizer) Normalize(metric model.Metric) (model.Metric, bool) {
	// Sets are kept deduplicated and sorted so unions and cardinality are stable.
	if set, ok := metric.Value.(model.Set); ok {
		metric.Value = model.NewSet(set.Values...)
	}

	key := metric.SeriesKey()

	switch metric.Kind {
	case model.KindAbsolute:
		n.state[key] = metric.Value
		return metric, true

	case model.KindIncremental:
		if metric.Value.Type() == model.TypeAggregatedSummary {
			return model.Metric{}, false
		}

		if prev, ok := n.state[key]; ok {
			if sum, ok := model.AddValues(prev, metric.Value); ok {
				n.state[key] = sum
				metric.Value = sum
				metric.Kind = model.KindAbsolute
				return metric, true
			}
		}

		// Unseen series, or the shape changed under the same series key. The
		// incoming value becomes the new reference state.
		n.state[key] = metric.Value
		metric.Kind = model.KindAbsolute
		return metric, true
	}

	return model.Metric{}, false
}

// Forget drops the stored state for a series so expired series don't pin
// normalization state.
func (n *Normalizer) Forget(key string) {
	delete(n.state, key)
}

// Len returns the number of tracked series.
func (n *Normalizer) Len() int { return len(n.state) }
