package prometheusscrape_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/source/prometheusscrape"
)

func TestSourceScrape(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(`# TYPE http_requests_total counter
http_requests_total{code="200"} 3
# TYPE temperature_celsius gauge
temperature_celsius{instance="custom"} 21.5
`))
	}))
	defer server.Close()

	batches := make(chan model.Batch, 1)
	source, err := prometheusscrape.NewSource(prometheusscrape.Config{
		ID:             "edge",
		Endpoints:      []string{server.URL},
		ScrapeInterval: time.Hour,
		Client:         server.Client(),
		Emit: func(ctx context.Context, batch model.Batch) error {
			select {
			case batches <- batch:
			default:
			}
			return nil
		},
	})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = source.Run(ctx)
	}()

	var got model.Batch
	select {
	case got = <-batches:
	case <-time.After(5 * time.Second):
		require.Fail("timed out waiting for the first scrape")
	}

	serverURL, err := url.Parse(server.URL)
	require.NoError(err)

	expBatch := model.Batch{
		{
			Name:  "http_requests_total",
			Tags:  map[string]string{"code": "200", "instance": serverURL.Host},
			Kind:  model.KindAbsolute,
			Value: model.Counter{Value: 3},
		},
		{
			// An existing instance tag wins over the endpoint's.
			Name:  "temperature_celsius",
			Tags:  map[string]string{"instance": "custom"},
			Kind:  model.KindAbsolute,
			Value: model.Gauge{Value: 21.5},
		},
	}
	assert.Equal(expBatch, got)
}

func TestSourceScrapeFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	batches := make(chan model.Batch, 1)
	source, err := prometheusscrape.NewSource(prometheusscrape.Config{
		ID:             "edge",
		Endpoints:      []string{server.URL},
		ScrapeInterval: time.Hour,
		Client:         server.Client(),
		Emit: func(ctx context.Context, batch model.Batch) error {
			batches <- batch
			return nil
		},
	})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = source.Run(ctx)
	}()

	select {
	case got := <-batches:
		assert.Failf("no batch expected from a failing endpoint", "got %v", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSourceInvalidConfig(t *testing.T) {
	tests := map[string]struct {
		config prometheusscrape.Config
	}{
		"A source without ID should fail.": {
			config: prometheusscrape.Config{
				Endpoints: []string{"http://127.0.0.1:9100/metrics"},
				Emit:      func(ctx context.Context, batch model.Batch) error { return nil },
			},
		},

		"A source without endpoints should fail.": {
			config: prometheusscrape.Config{
				ID:   "edge",
				Emit: func(ctx context.Context, batch model.Batch) error { return nil },
			},
		},

		"A source without emit function should fail.": {
			config: prometheusscrape.Config{
				ID:        "edge",
				Endpoints: []string{"http://127.0.0.1:9100/metrics"},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := prometheusscrape.NewSource(test.config)
			assert.Error(t, err)
		})
	}
}
