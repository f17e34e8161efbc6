package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MetricKind tells how a metric value relates to the series it belongs to.
type MetricKind string

const (
	// KindAbsolute values are the current state of the series.
	KindAbsolute MetricKind = "absolute"
	// KindIncremental values are deltas over the previous state of the series.
	KindIncremental MetricKind = "incremental"
)

// Metric is a single metric event flowing through the pipeline.
type Metric struct {
	// Name is the metric name, required.
	Name string
	// Namespace is an optional prefix, joined to the name with `_` on exposition.
	Namespace string
	// Tags are the metric labels, may be nil.
	Tags map[string]string
	// Timestamp is optional, the zero value means not set.
	Timestamp time.Time
	// Kind tells whether Value is absolute state or a delta.
	Kind MetricKind
	// Value is the metric payload, exactly one shape.
	Value MetricValue
}

// Batch is an ordered collection of metric events, the unit of work passed
// between pipeline components.
type Batch []Metric

// SeriesKey identifies the time series a metric belongs to: namespace, name,
// sorted tags and, for bucketed values, the value bounds, so histograms with
// different bucket layouts are independent series.
func (m Metric) SeriesKey() string {
	var b strings.Builder
	b.WriteString(m.Namespace)
	b.WriteByte(0)
	b.WriteString(m.Name)

	keys := make([]string, 0, len(m.Tags))
	for k := range m.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.Tags[k])
	}

	for _, bound := range valueBounds(m.Value) {
		b.WriteByte(0)
		b.WriteString(strconv.FormatFloat(bound, 'g', -1, 64))
	}

	return b.String()
}

// valueBounds returns the bucket upper limits of an aggregated histogram or
// the quantiles of an aggregated summary, nothing for other shapes.
func valueBounds(v MetricValue) []float64 {
	switch value := v.(type) {
	case AggregatedHistogram:
		bounds := make([]float64, 0, len(value.Buckets))
		for _, bucket := range value.Buckets {
			bounds = append(bounds, bucket.UpperLimit)
		}
		return bounds
	case AggregatedSummary:
		bounds := make([]float64, 0, len(value.Quantiles))
		for _, q := range value.Quantiles {
			bounds = append(bounds, q.Quantile)
		}
		return bounds
	}

	return nil
}

// Validate checks the metric event is well formed.
func (m Metric) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("metric name is required")
	}

	if m.Kind != KindAbsolute && m.Kind != KindIncremental {
		return fmt.Errorf("unknown metric kind %q", m.Kind)
	}

	if m.Value == nil {
		return fmt.Errorf("metric value is required")
	}

	return m.Value.validate()
}
