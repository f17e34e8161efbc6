package promtext

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/promsink/promsink/internal/model"
)

// ParseText parses Prometheus text exposition format into absolute metric
// events, one per sample series.
func ParseText(r io.Reader) ([]model.Metric, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("could not parse exposition text: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	sorted := make([]*dto.MetricFamily, 0, len(families))
	for _, name := range names {
		sorted = append(sorted, families[name])
	}

	return FamiliesToMetrics(sorted), nil
}

// FamiliesToMetrics maps metric families into absolute metric events:
// counters stay counters, gauges and untyped become gauges, histograms become
// aggregated histograms with non-cumulative buckets, summaries become
// aggregated summaries.
func FamiliesToMetrics(families []*dto.MetricFamily) []model.Metric {
	metrics := []model.Metric{}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			metric, ok := sampleToMetric(family, m)
			if !ok {
				continue
			}
			metrics = append(metrics, metric)
		}
	}

	return metrics
}

func sampleToMetric(family *dto.MetricFamily, m *dto.Metric) (model.Metric, bool) {
	metric := model.Metric{
		Name: family.GetName(),
		Tags: labelsToTags(m.GetLabel()),
		Kind: model.KindAbsolute,
	}

	if ts := m.GetTimestampMs(); ts != 0 {
		metric.Timestamp = time.UnixMilli(ts).UTC()
	}

	switch family.GetType() {
	case dto.MetricType_COUNTER:
		metric.Value = model.Counter{Value: m.GetCounter().GetValue()}

	case dto.MetricType_GAUGE:
		metric.Value = model.Gauge{Value: m.GetGauge().GetValue()}

	case dto.MetricType_UNTYPED:
		metric.Value = model.Gauge{Value: m.GetUntyped().GetValue()}

	case dto.MetricType_HISTOGRAM:
		metric.Value = histogramToValue(m.GetHistogram())

	case dto.MetricType_SUMMARY:
		summary := m.GetSummary()
		quantiles := make([]model.Quantile, 0, len(summary.GetQuantile()))
		for _, q := range summary.GetQuantile() {
			quantiles = append(quantiles, model.Quantile{
				Quantile: q.GetQuantile(),
				Value:    q.GetValue(),
			})
		}
		metric.Value = model.AggregatedSummary{
			Quantiles: quantiles,
			Count:     summary.GetSampleCount(),
			Sum:       summary.GetSampleSum(),
		}

	default:
		return model.Metric{}, false
	}

	return metric, true
}

// histogramToValue converts the exposition's cumulative buckets into the
// event model's per-bucket counts, dropping the +Inf bucket: the total count
// already covers it and it is restored on render.
func histogramToValue(histogram *dto.Histogram) model.AggregatedHistogram {
	buckets := append([]*dto.Bucket{}, histogram.GetBucket()...)
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].GetUpperBound() < buckets[j].GetUpperBound()
	})

	value := model.AggregatedHistogram{
		Count: histogram.GetSampleCount(),
		Sum:   histogram.GetSampleSum(),
	}

	var previous uint64
	for _, bucket := range buckets {
		if math.IsInf(bucket.GetUpperBound(), 1) {
			continue
		}
		value.Buckets = append(value.Buckets, model.Bucket{
			UpperLimit: bucket.GetUpperBound(),
			Count:      bucket.GetCumulativeCount() - previous,
		})
		previous = bucket.GetCumulativeCount()
	}

	return value
}

func labelsToTags(labels []*dto.LabelPair) map[string]string {
	if len(labels) == 0 {
		return nil
	}

	tags := make(map[string]string, len(labels))
	for _, label := range labels {
		tags[label.GetName()] = label.GetValue()
	}

	return tags
}
