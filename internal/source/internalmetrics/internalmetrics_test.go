package internalmetrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/source/internalmetrics"
)

func TestSourceGather(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_events_total",
		Help: "Test events.",
	})
	counter.Add(3)
	reg.MustRegister(counter)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_temperature",
		Help: "Test temperature.",
	})
	gauge.Set(21.5)
	reg.MustRegister(gauge)

	batches := make(chan model.Batch, 1)
	source, err := internalmetrics.NewSource(internalmetrics.Config{
		ID:       "internal",
		Interval: 1 * time.Hour,
		Gatherer: reg,
		Emit: func(ctx context.Context, batch model.Batch) error {
			select {
			case batches <- batch:
			default:
			}
			return nil
		},
	})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	go func() {
		_ = source.Run(ctx)
	}()

	select {
	case gotBatch := <-batches:
		expBatch := model.Batch{
			{Name: "test_events_total", Kind: model.KindAbsolute, Value: model.Counter{Value: 3}},
			{Name: "test_temperature", Kind: model.KindAbsolute, Value: model.Gauge{Value: 21.5}},
		}
		assert.Equal(expBatch, gotBatch)
	case <-time.After(5 * time.Second):
		require.Fail("timed out waiting for the gathered batch")
	}
}

func TestSourceInvalidConfig(t *testing.T) {
	emit := func(ctx context.Context, batch model.Batch) error { return nil }

	tests := map[string]struct {
		config internalmetrics.Config
	}{
		"A source without ID should fail.": {
			config: internalmetrics.Config{Emit: emit},
		},

		"A source without emit function should fail.": {
			config: internalmetrics.Config{ID: "internal"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := internalmetrics.NewSource(test.config)
			require.Error(t, err)
		})
	}
}
