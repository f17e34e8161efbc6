package promtext

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/promsink/promsink/internal/model"
)

// ContentType is the exposition content type served to scrapers.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// DefaultBuckets are the bucket upper limits used when rendering distributions
// as histograms and no explicit buckets are configured.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// DefaultQuantiles are used when rendering distributions as summaries and no
// explicit quantiles are configured.
var DefaultQuantiles = []float64{0.5, 0.75, 0.9, 0.95, 0.99}

// RenderConfig controls how metric events map to exposition families.
type RenderConfig struct {
	// DefaultNamespace prefixes metrics that carry no namespace of their own.
	DefaultNamespace string
	// Buckets are the upper limits used when rendering distributions as
	// histograms.
	Buckets []float64
	// Quantiles are the quantiles computed when rendering distributions as
	// summaries.
	Quantiles []float64
	// DistributionsAsSummaries renders distributions as quantile summaries
	// instead of histograms.
	DistributionsAsSummaries bool
	// SuppressTimestamps drops event timestamps from the exposition.
	SuppressTimestamps bool
}

func (c RenderConfig) defaults() RenderConfig {
	if c.Buckets == nil {
		c.Buckets = DefaultBuckets
	}
	if c.Quantiles == nil {
		c.Quantiles = DefaultQuantiles
	}

	return c
}

// MetricsToFamilies maps absolute metric events into exposition families,
// sorted by family name. Events that can't be rendered are dropped and
// counted: a name already claimed by a different family type, or a
// distribution with no samples.
func MetricsToFamilies(metrics []model.Metric, config RenderConfig) ([]*dto.MetricFamily, int) {
	config = config.defaults()

	families := map[string]*dto.MetricFamily{}
	skipped := 0

	for _, metric := range metrics {
		name := exposedName(metric, config.DefaultNamespace)

		familyType, sample, ok := metricToSample(metric, config)
		if !ok {
			skipped++
			continue
		}

		family, ok := families[name]
		if !ok {
			family = &dto.MetricFamily{
				Name: proto.String(name),
				Type: familyType.Enum(),
			}
			families[name] = family
		} else if family.GetType() != familyType {
			skipped++
			continue
		}

		sample.Label = tagsToLabels(metric.Tags)
		if !config.SuppressTimestamps && !metric.Timestamp.IsZero() {
			sample.TimestampMs = proto.Int64(metric.Timestamp.UnixMilli())
		}

		family.Metric = append(family.Metric, sample)
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

	return sorted, skipped
}

// WriteText renders families in Prometheus text exposition format.
func WriteText(w io.Writer, families []*dto.MetricFamily) error {
	for _, family := range families {
		_, err := expfmt.MetricFamilyToText(w, family)
		if err != nil {
			return fmt.Errorf("could not write family %q: %w", family.GetName(), err)
		}
	}

	return nil
}

func metricToSample(metric model.Metric, config RenderConfig) (dto.MetricType, *dto.Metric, bool) {
	switch value := metric.Value.(type) {
	case model.Counter:
		return dto.MetricType_COUNTER, &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(value.Value)},
		}, true

	case model.Gauge:
		return dto.MetricType_GAUGE, &dto.Metric{
			Gauge: &dto.Gauge{Value: proto.Float64(value.Value)},
		}, true

	// Sets expose their cardinality.
	case model.Set:
		return dto.MetricType_GAUGE, &dto.Metric{
			Gauge: &dto.Gauge{Value: proto.Float64(float64(len(value.Values)))},
		}, true

	case model.Distribution:
		if len(value.Samples) == 0 {
			return 0, nil, false
		}
		if config.DistributionsAsSummaries {
			return dto.MetricType_SUMMARY, &dto.Metric{
				Summary: distributionToSummary(value, config.Quantiles),
			}, true
		}
		return dto.MetricType_HISTOGRAM, &dto.Metric{
			Histogram: distributionToHistogram(value, config.Buckets),
		}, true

	case model.AggregatedHistogram:
		return dto.MetricType_HISTOGRAM, &dto.Metric{
			Histogram: histogramToDTO(value),
		}, true

	case model.AggregatedSummary:
		return dto.MetricType_SUMMARY, &dto.Metric{
			Summary: summaryToDTO(value),
		}, true
	}

	return 0, nil, false
}

// histogramToDTO cumulates the event model's per-bucket counts back into the
// exposition's cumulative buckets. The +Inf bucket is left to the writer,
// which fills it from the sample count.
func histogramToDTO(value model.AggregatedHistogram) *dto.Histogram {
	buckets := make([]*dto.Bucket, 0, len(value.Buckets))
	var cumulative uint64
	for _, bucket := range value.Buckets {
		cumulative += bucket.Count
		buckets = append(buckets, &dto.Bucket{
			UpperBound:      proto.Float64(bucket.UpperLimit),
			CumulativeCount: proto.Uint64(cumulative),
		})
	}

	return &dto.Histogram{
		SampleCount: proto.Uint64(value.Count),
		SampleSum:   proto.Float64(value.Sum),
		Bucket:      buckets,
	}
}

func summaryToDTO(value model.AggregatedSummary) *dto.Summary {
	quantiles := make([]*dto.Quantile, 0, len(value.Quantiles))
	for _, q := range value.Quantiles {
		quantiles = append(quantiles, &dto.Quantile{
			Quantile: proto.Float64(q.Quantile),
			Value:    proto.Float64(q.Value),
		})
	}

	return &dto.Summary{
		SampleCount: proto.Uint64(value.Count),
		SampleSum:   proto.Float64(value.Sum),
		Quantile:    quantiles,
	}
}

func distributionToHistogram(value model.Distribution, limits []float64) *dto.Histogram {
	var count uint64
	var sum float64
	counts := make([]uint64, len(limits))

	for _, sample := range value.Samples {
		count += uint64(sample.Rate)
		sum += sample.Value * float64(sample.Rate)
		for i, limit := range limits {
			if sample.Value <= limit {
				counts[i] += uint64(sample.Rate)
			}
		}
	}

	buckets := make([]*dto.Bucket, 0, len(limits))
	for i, limit := range limits {
		buckets = append(buckets, &dto.Bucket{
			UpperBound:      proto.Float64(limit),
			CumulativeCount: proto.Uint64(counts[i]),
		})
	}

	return &dto.Histogram{
		SampleCount: proto.Uint64(count),
		SampleSum:   proto.Float64(sum),
		Bucket:      buckets,
	}
}

func distributionToSummary(value model.Distribution, quantiles []float64) *dto.Summary {
	samples := append([]model.Sample{}, value.Samples...)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Value < samples[j].Value })

	var count uint64
	var sum float64
	for _, sample := range samples {
		count += uint64(sample.Rate)
		sum += sample.Value * float64(sample.Rate)
	}

	dtoQuantiles := make([]*dto.Quantile, 0, len(quantiles))
	for _, q := range quantiles {
		dtoQuantiles = append(dtoQuantiles, &dto.Quantile{
			Quantile: proto.Float64(q),
			Value:    proto.Float64(weightedQuantile(samples, count, q)),
		})
	}

	return &dto.Summary{
		SampleCount: proto.Uint64(count),
		SampleSum:   proto.Float64(sum),
		Quantile:    dtoQuantiles,
	}
}

// weightedQuantile picks the rate-weighted nearest-rank sample. Samples must
// be sorted by value and total must be the sum of their rates.
func weightedQuantile(samples []model.Sample, total uint64, q float64) float64 {
	if total == 0 {
		return math.NaN()
	}

	rank := uint64(math.Ceil(q * float64(total)))
	if rank < 1 {
		rank = 1
	}

	var seen uint64
	for _, sample := range samples {
		seen += uint64(sample.Rate)
		if seen >= rank {
			return sample.Value
		}
	}

	return samples[len(samples)-1].Value
}

func exposedName(metric model.Metric, defaultNamespace string) string {
	namespace := metric.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	name := metric.Name
	if namespace != "" {
		name = namespace + "_" + name
	}

	return sanitizeMetricName(name)
}

func tagsToLabels(tags map[string]string) []*dto.LabelPair {
	if len(tags) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	labels := make([]*dto.LabelPair, 0, len(tags))
	seen := map[string]struct{}{}
	for _, k := range keys {
		name := sanitizeLabelName(k)
		// First one wins when sanitization collides.
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		labels = append(labels, &dto.LabelPair{
			Name:  proto.String(name),
			Value: proto.String(tags[k]),
		})
	}

	return labels
}

func sanitizeMetricName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_' || r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}

func sanitizeLabelName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}
