package model

import (
	"fmt"
	"sort"
)

// ValueType enumerates the metric value shapes.
type ValueType string

const (
	TypeCounter             ValueType = "counter"
	TypeGauge               ValueType = "gauge"
	TypeSet                 ValueType = "set"
	TypeDistribution        ValueType = "distribution"
	TypeAggregatedHistogram ValueType = "aggregated_histogram"
	TypeAggregatedSummary   ValueType = "aggregated_summary"
)

// MetricValue is the payload of a metric event, a closed set of shapes.
type MetricValue interface {
	Type() ValueType
	validate() error
}

// Counter is a value that can only go up within the lifetime of its series.
type Counter struct {
	Value float64 `json:"value"`
}

func (Counter) Type() ValueType { return TypeCounter }
func (Counter) validate() error { return nil }

// Gauge is a value that can go up and down.
type Gauge struct {
	Value float64 `json:"value"`
}

func (Gauge) Type() ValueType { return TypeGauge }
func (Gauge) validate() error { return nil }

// Set counts unique string values observed on the series. Its exposed value is
// the cardinality.
type Set struct {
	Values []string `json:"values"`
}

func (Set) Type() ValueType { return TypeSet }
func (Set) validate() error { return nil }

// NewSet returns a set value with the given members deduplicated and sorted.
func NewSet(values ...string) Set {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		unique = append(unique, v)
	}
	sort.Strings(unique)

	return Set{Values: unique}
}

// StatisticKind tells how a distribution should be exposed.
type StatisticKind string

const (
	StatisticHistogram StatisticKind = "histogram"
	StatisticSummary   StatisticKind = "summary"
)

// Sample is a single distribution observation. Rate is the number of times the
// value was observed (sample-rate expansion), at least 1.
type Sample struct {
	Value float64 `json:"value"`
	Rate  uint32  `json:"rate"`
}

// Distribution is a collection of raw samples, aggregated into a histogram or
// summary at exposition time.
type Distribution struct {
	Samples   []Sample      `json:"samples"`
	Statistic StatisticKind `json:"statistic"`
}

func (Distribution) Type() ValueType { return TypeDistribution }

func (d Distribution) validate() error {
	if d.Statistic != StatisticHistogram && d.Statistic != StatisticSummary {
		return fmt.Errorf("unknown distribution statistic %q", d.Statistic)
	}

	for _, s := range d.Samples {
		if s.Rate == 0 {
			return fmt.Errorf("distribution sample rate must be at least 1")
		}
	}

	return nil
}

// Bucket is a single aggregated histogram bucket. Counts are not cumulative,
// they are the observations within the bucket bounds.
type Bucket struct {
	UpperLimit float64 `json:"upper_limit"`
	Count      uint64  `json:"count"`
}

// AggregatedHistogram is a pre-bucketed distribution.
type AggregatedHistogram struct {
	Buckets []Bucket `json:"buckets"`
	Count   uint64   `json:"count"`
	Sum     float64  `json:"sum"`
}

func (AggregatedHistogram) Type() ValueType { return TypeAggregatedHistogram }

func (h AggregatedHistogram) validate() error {
	for i := 1; i < len(h.Buckets); i++ {
		if h.Buckets[i].UpperLimit <= h.Buckets[i-1].UpperLimit {
			return fmt.Errorf("histogram bucket upper limits must be sorted ascending")
		}
	}

	return nil
}

// Quantile is a single aggregated summary quantile.
type Quantile struct {
	Quantile float64 `json:"quantile"`
	Value    float64 `json:"value"`
}

// AggregatedSummary is a pre-computed quantile summary. Summaries can't be
// meaningfully added, incremental summaries are rejected by normalization.
type AggregatedSummary struct {
	Quantiles []Quantile `json:"quantiles"`
	Count     uint64     `json:"count"`
	Sum       float64    `json:"sum"`
}

func (AggregatedSummary) Type() ValueType { return TypeAggregatedSummary }

func (s AggregatedSummary) validate() error {
	for _, q := range s.Quantiles {
		if q.Quantile < 0 || q.Quantile > 1 {
			return fmt.Errorf("summary quantile %v out of [0, 1]", q.Quantile)
		}
	}

	return nil
}

// AddValues accumulates other into value when the shapes are compatible and
// returns the result. It reports false when the values can't be added
// (mismatched shapes, mismatched histogram buckets or distribution statistics,
// and aggregated summaries, which are not addable). Neither operand is mutated.
func AddValues(value, other MetricValue) (MetricValue, bool) {
	switch v := value.(type) {
	case Counter:
		o, ok := other.(Counter)
		if !ok {
			return nil, false
		}
		return Counter{Value: v.Value + o.Value}, true

	case Gauge:
		o, ok := other.(Gauge)
		if !ok {
			return nil, false
		}
		return Gauge{Value: v.Value + o.Value}, true

	case Set:
		o, ok := other.(Set)
		if !ok {
			return nil, false
		}
		return NewSet(append(append([]string{}, v.Values...), o.Values...)...), true

	case Distribution:
		o, ok := other.(Distribution)
		if !ok || v.Statistic != o.Statistic {
			return nil, false
		}
		samples := make([]Sample, 0, len(v.Samples)+len(o.Samples))
		samples = append(samples, v.Samples...)
		samples = append(samples, o.Samples...)
		return Distribution{Samples: samples, Statistic: v.Statistic}, true

	case AggregatedHistogram:
		o, ok := other.(AggregatedHistogram)
		if !ok || !sameBucketLayout(v.Buckets, o.Buckets) {
			return nil, false
		}
		buckets := make([]Bucket, len(v.Buckets))
		for i := range v.Buckets {
			buckets[i] = Bucket{
				UpperLimit: v.Buckets[i].UpperLimit,
				Count:      v.Buckets[i].Count + o.Buckets[i].Count,
			}
		}
		return AggregatedHistogram{
			Buckets: buckets,
			Count:   v.Count + o.Count,
			Sum:     v.Sum + o.Sum,
		}, true

	case AggregatedSummary:
		return nil, false
	}

	return nil, false
}

func sameBucketLayout(a, b []Bucket) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UpperLimit != b[i].UpperLimit {
			return false
		}
	}

	return true
}
