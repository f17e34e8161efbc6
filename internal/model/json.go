package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// metricJSON is the wire shape of a metric event. Exactly one of the value
// fields is set, matching the event's shape.
type metricJSON struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Kind      MetricKind        `json:"kind"`

	Counter             *Counter             `json:"counter,omitempty"`
	Gauge               *Gauge               `json:"gauge,omitempty"`
	Set                 *Set                 `json:"set,omitempty"`
	Distribution        *Distribution        `json:"distribution,omitempty"`
	AggregatedHistogram *AggregatedHistogram `json:"aggregated_histogram,omitempty"`
	AggregatedSummary   *AggregatedSummary   `json:"aggregated_summary,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Metric) MarshalJSON() ([]byte, error) {
	wire := metricJSON{
		Name:      m.Name,
		Namespace: m.Namespace,
		Tags:      m.Tags,
		Kind:      m.Kind,
	}

	if !m.Timestamp.IsZero() {
		ts := m.Timestamp
		wire.Timestamp = &ts
	}

	switch v := m.Value.(type) {
	case Counter:
		wire.Counter = &v
	case Gauge:
		wire.Gauge = &v
	case Set:
		wire.Set = &v
	case Distribution:
		wire.Distribution = &v
	case AggregatedHistogram:
		wire.AggregatedHistogram = &v
	case AggregatedSummary:
		wire.AggregatedSummary = &v
	case nil:
		return nil, fmt.Errorf("metric value is required")
	default:
		return nil, fmt.Errorf("unknown metric value type %T", m.Value)
	}

	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var wire metricJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	metric := Metric{
		Name:      wire.Name,
		Namespace: wire.Namespace,
		Tags:      wire.Tags,
		Kind:      wire.Kind,
	}
	if wire.Timestamp != nil {
		metric.Timestamp = *wire.Timestamp
	}

	values := 0
	if wire.Counter != nil {
		metric.Value = *wire.Counter
		values++
	}
	if wire.Gauge != nil {
		metric.Value = *wire.Gauge
		values++
	}
	if wire.Set != nil {
		metric.Value = *wire.Set
		values++
	}
	if wire.Distribution != nil {
		metric.Value = *wire.Distribution
		values++
	}
	if wire.AggregatedHistogram != nil {
		metric.Value = *wire.AggregatedHistogram
		values++
	}
	if wire.AggregatedSummary != nil {
		metric.Value = *wire.AggregatedSummary
		values++
	}

	switch {
	case values == 0:
		return fmt.Errorf("metric value is required")
	case values > 1:
		return fmt.Errorf("metric must carry exactly one value, got %d", values)
	}

	*m = metric

	return nil
}
