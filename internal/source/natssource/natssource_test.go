package natssource_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/source/natssource"
)

func TestDecodeBatch(t *testing.T) {
	tests := map[string]struct {
		payload  string
		expBatch model.Batch
		expErr   bool
	}{
		"A single metric object should decode into a batch of one.": {
			payload: `{"name":"requests_total","kind":"incremental","counter":{"value":5}}`,
			expBatch: model.Batch{
				{Name: "requests_total", Kind: model.KindIncremental, Value: model.Counter{Value: 5}},
			},
		},

		"An array of metrics should decode preserving order.": {
			payload: `[
				{"name":"requests_total","tags":{"code":"200"},"kind":"incremental","counter":{"value":5}},
				{"name":"temperature","kind":"absolute","gauge":{"value":21.5}}
			]`,
			expBatch: model.Batch{
				{Name: "requests_total", Tags: map[string]string{"code": "200"}, Kind: model.KindIncremental, Value: model.Counter{Value: 5}},
				{Name: "temperature", Kind: model.KindAbsolute, Value: model.Gauge{Value: 21.5}},
			},
		},

		"A metric with a timestamp should keep it.": {
			payload: `{"name":"requests_total","timestamp":"2024-05-02T10:30:00Z","kind":"incremental","counter":{"value":1}}`,
			expBatch: model.Batch{
				{
					Name:      "requests_total",
					Timestamp: time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC),
					Kind:      model.KindIncremental,
					Value:     model.Counter{Value: 1},
				},
			},
		},

		"Surrounding whitespace should be tolerated.": {
			payload: "\n  {\"name\":\"requests_total\",\"kind\":\"incremental\",\"counter\":{\"value\":2}}  \n",
			expBatch: model.Batch{
				{Name: "requests_total", Kind: model.KindIncremental, Value: model.Counter{Value: 2}},
			},
		},

		"An empty payload should fail.": {
			payload: "   ",
			expErr:  true,
		},

		"A malformed JSON payload should fail.": {
			payload: `{"name":"requests_total"`,
			expErr:  true,
		},

		"A metric without a value should fail.": {
			payload: `{"name":"requests_total","kind":"incremental"}`,
			expErr:  true,
		},

		"A metric without a name should fail validation.": {
			payload: `{"name":"","kind":"incremental","counter":{"value":1}}`,
			expErr:  true,
		},

		"An array holding one invalid metric should fail as a whole.": {
			payload: `[
				{"name":"requests_total","kind":"incremental","counter":{"value":5}},
				{"name":"broken","kind":"wrong","counter":{"value":1}}
			]`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			gotBatch, err := natssource.DecodeBatch([]byte(test.payload))

			if test.expErr {
				assert.Error(err)
				return
			}

			if assert.NoError(err) {
				assert.Equal(test.expBatch, gotBatch)
			}
		})
	}
}

func TestSourceInvalidConfig(t *testing.T) {
	emit := func(ctx context.Context, batch model.Batch) error { return nil }

	tests := map[string]struct {
		config natssource.Config
	}{
		"A source without ID should fail.": {
			config: natssource.Config{
				URL:     "nats://127.0.0.1:4222",
				Subject: "metrics",
				Emit:    emit,
			},
		},

		"A source without server URL should fail.": {
			config: natssource.Config{
				ID:      "nats-in",
				Subject: "metrics",
				Emit:    emit,
			},
		},

		"A source without subject should fail.": {
			config: natssource.Config{
				ID:   "nats-in",
				URL:  "nats://127.0.0.1:4222",
				Emit: emit,
			},
		},

		"A source without emit function should fail.": {
			config: natssource.Config{
				ID:      "nats-in",
				URL:     "nats://127.0.0.1:4222",
				Subject: "metrics",
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := natssource.NewSource(test.config)
			require.Error(t, err)
		})
	}
}
