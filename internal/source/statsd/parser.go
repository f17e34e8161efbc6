package statsd

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/promsink/promsink/internal/model"
)

// ParsePayload parses a payload of newline separated statsd lines into a
// batch. Invalid lines are counted and skipped, never fatal.
func ParsePayload(payload []byte, timerStatistic model.StatisticKind) (model.Batch, int) {
	var batch model.Batch
	invalid := 0

	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		metric, err := ParseLine(line, timerStatistic)
		if err != nil {
			invalid++
			continue
		}
		batch = append(batch, metric)
	}

	return batch, invalid
}

// ParseLine parses one statsd line: `name:value|type[|@rate][|#tag1:v1,tag2]`.
// Counters compensate their sample rate into the value, timers expand it into
// the sample's observation count.
func ParseLine(line string, timerStatistic model.StatisticKind) (model.Metric, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return model.Metric{}, fmt.Errorf("missing metric type")
	}

	name, rawValue, ok := strings.Cut(parts[0], ":")
	if !ok {
		return model.Metric{}, fmt.Errorf("missing value separator")
	}
	if name == "" {
		return model.Metric{}, fmt.Errorf("empty metric name")
	}
	if rawValue == "" {
		return model.Metric{}, fmt.Errorf("empty metric value")
	}

	rate := 1.0
	var tags map[string]string
	for _, part := range parts[2:] {
		switch {
		case strings.HasPrefix(part, "@"):
			parsed, err := strconv.ParseFloat(part[1:], 64)
			if err != nil || parsed <= 0 || parsed > 1 {
				return model.Metric{}, fmt.Errorf("invalid sample rate %q", part[1:])
			}
			rate = parsed

		case strings.HasPrefix(part, "#"):
			tags = parseTags(part[1:])

		default:
			return model.Metric{}, fmt.Errorf("unknown line part %q", part)
		}
	}

	metric := model.Metric{Name: name, Tags: tags}

	metricType := parts[1]
	switch metricType {
	case "c":
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			return model.Metric{}, fmt.Errorf("invalid counter value %q", rawValue)
		}
		metric.Kind = model.KindIncremental
		metric.Value = model.Counter{Value: value / rate}

	case "g":
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			return model.Metric{}, fmt.Errorf("invalid gauge value %q", rawValue)
		}
		// A signed value is a delta on the previous gauge state.
		if rawValue[0] == '+' || rawValue[0] == '-' {
			metric.Kind = model.KindIncremental
		} else {
			metric.Kind = model.KindAbsolute
		}
		metric.Value = model.Gauge{Value: value}

	case "ms", "h", "d":
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			return model.Metric{}, fmt.Errorf("invalid timer value %q", rawValue)
		}
		metric.Kind = model.KindIncremental
		metric.Value = model.Distribution{
			Samples:   []model.Sample{{Value: value, Rate: sampleCount(rate)}},
			Statistic: timerStatistic,
		}

	case "s":
		metric.Kind = model.KindIncremental
		metric.Value = model.NewSet(rawValue)

	default:
		return model.Metric{}, fmt.Errorf("unknown metric type %q", metricType)
	}

	return metric, nil
}

// sampleCount expands a sample rate into the observation count one sample
// stands for.
func sampleCount(rate float64) uint32 {
	count := uint32(math.Round(1 / rate))
	if count < 1 {
		count = 1
	}

	return count
}

func parseTags(raw string) map[string]string {
	if raw == "" {
		return nil
	}

	tags := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, ":")
		tags[key] = value
	}

	if len(tags) == 0 {
		return nil
	}

	return tags
}
