package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promsink/promsink/internal/buffer"
	"github.com/promsink/promsink/internal/config"
	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/telemetry"
)

// tagTransform marks every event with a static tag, rebuilding tag maps so
// fan-out branches don't share state.
type tagTransform struct {
	key string
}

func (t tagTransform) Apply(_ context.Context, batch model.Batch) (model.Batch, error) {
	out := make(model.Batch, 0, len(batch))
	for _, metric := range batch {
		tags := map[string]string{t.key: "true"}
		for k, v := range metric.Tags {
			tags[k] = v
		}
		metric.Tags = tags
		out = append(out, metric)
	}

	return out, nil
}

type dropTransform struct{}

func (dropTransform) Apply(_ context.Context, _ model.Batch) (model.Batch, error) {
	return nil, nil
}

type failTransform struct{}

func (failTransform) Apply(_ context.Context, _ model.Batch) (model.Batch, error) {
	return nil, fmt.Errorf("something failed")
}

func newTestBuffer(t *testing.T) *buffer.Memory {
	buf, err := buffer.NewMemory(buffer.MemoryConfig{ID: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })

	return buf
}

func counterBatch(name string) model.Batch {
	return model.Batch{{Name: name, Kind: model.KindIncremental, Value: model.Counter{Value: 1}}}
}

func TestPipelineDeliverFanOut(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	bufDirect := newTestBuffer(t)
	bufTagged := newTestBuffer(t)

	p := &Pipeline{
		consumers: map[string][]*node{
			"in": {
				{name: "tagger", transform: tagTransform{key: "tagged"}},
				{name: "direct", buffer: bufDirect},
			},
			"tagger": {
				{name: "tagged", buffer: bufTagged},
			},
		},
		recorder: telemetry.NoopRecorder,
		logger:   log.Noop,
	}

	err := p.deliver(context.TODO(), "in", counterBatch("requests_total"))
	require.NoError(err)

	direct, err := bufDirect.Pop(context.TODO())
	require.NoError(err)
	assert.Equal(model.Batch{
		{Name: "requests_total", Kind: model.KindIncremental, Value: model.Counter{Value: 1}},
	}, direct)

	tagged, err := bufTagged.Pop(context.TODO())
	require.NoError(err)
	assert.Equal(model.Batch{
		{Name: "requests_total", Tags: map[string]string{"tagged": "true"}, Kind: model.KindIncremental, Value: model.Counter{Value: 1}},
	}, tagged)
}

func TestPipelineDeliverDroppedBatchStopsPropagating(t *testing.T) {
	bufOut := newTestBuffer(t)

	p := &Pipeline{
		consumers: map[string][]*node{
			"in":      {{name: "dropper", transform: dropTransform{}}},
			"dropper": {{name: "out", buffer: bufOut}},
		},
		recorder: telemetry.NoopRecorder,
		logger:   log.Noop,
	}

	err := p.deliver(context.TODO(), "in", counterBatch("requests_total"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.TODO(), 50*time.Millisecond)
	defer cancel()
	_, err = bufOut.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipelineDeliverTransformErrorDropsOnlyThatBranch(t *testing.T) {
	require := require.New(t)

	bufDirect := newTestBuffer(t)

	p := &Pipeline{
		consumers: map[string][]*node{
			"in": {
				{name: "broken", transform: failTransform{}},
				{name: "direct", buffer: bufDirect},
			},
		},
		recorder: telemetry.NoopRecorder,
		logger:   log.Noop,
	}

	err := p.deliver(context.TODO(), "in", counterBatch("requests_total"))
	require.NoError(err)

	direct, err := bufDirect.Pop(context.TODO())
	require.NoError(err)
	require.Len(direct, 1)
}

// stubSource emits one batch and then blocks until ctx is done.
type stubSource struct {
	emit  func(ctx context.Context, batch model.Batch) error
	batch model.Batch
}

func (s stubSource) Run(ctx context.Context) error {
	if s.batch != nil {
		if err := s.emit(ctx, s.batch); err != nil {
			return err
		}
	}
	<-ctx.Done()

	return nil
}

type failingSource struct{}

func (failingSource) Run(context.Context) error { return fmt.Errorf("listen failed") }

// collectSink drains its buffer into a channel until the buffer closes.
type collectSink struct {
	buf      buffer.Buffer
	received chan model.Metric
}

func (s collectSink) Run(ctx context.Context) error {
	for {
		batch, err := s.buf.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, buffer.ErrClosed) {
				return nil
			}
			return err
		}
		for _, metric := range batch {
			s.received <- metric
		}
	}
}

func TestPipelineRunGracefulShutdown(t *testing.T) {
	buf := newTestBuffer(t)
	received := make(chan model.Metric, 10)

	p := &Pipeline{
		sinks:        map[string]Sink{"out": collectSink{buf: buf, received: received}},
		buffers:      map[string]buffer.Buffer{"out": buf},
		consumers:    map[string][]*node{"in": {{name: "out", buffer: buf}}},
		drainTimeout: 5 * time.Second,
		recorder:     telemetry.NoopRecorder,
		logger:       log.Noop,
	}
	p.sources = map[string]Source{"in": stubSource{
		emit:  func(ctx context.Context, batch model.Batch) error { return p.deliver(ctx, "in", batch) },
		batch: counterBatch("requests_total"),
	}}

	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case metric := <-received:
		assert.Equal(t, "requests_total", metric.Name)
	case <-time.After(5 * time.Second):
		require.Fail(t, "no event flowed through the pipeline")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "pipeline did not stop")
	}
}

func TestPipelineRunComponentFailureStopsEverything(t *testing.T) {
	buf := newTestBuffer(t)

	p := &Pipeline{
		sources:      map[string]Source{"in": failingSource{}},
		sinks:        map[string]Sink{"out": collectSink{buf: buf, received: make(chan model.Metric, 1)}},
		buffers:      map[string]buffer.Buffer{"out": buf},
		consumers:    map[string][]*node{"in": {{name: "out", buffer: buf}}},
		drainTimeout: time.Second,
		recorder:     telemetry.NoopRecorder,
		logger:       log.Noop,
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.TODO()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), `source "in" failed`)
	case <-time.After(5 * time.Second):
		require.Fail(t, "pipeline did not stop after the source failure")
	}
}

func TestPipelineReloadSwapsRelabelRules(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	loadConfig := func(replacement string) *config.AppConfig {
		appCfg, err := config.Load(strings.NewReader(fmt.Sprintf(`
sources:
  in:
    type: statsd
transforms:
  clean:
    type: relabel
    inputs: [in]
    rules:
      - target_label: env
        replacement: %s
sinks:
  out:
    type: console
    inputs: [clean]
`, replacement)))
		require.NoError(err)

		return appCfg
	}

	p, err := NewPipeline(Config{App: loadConfig("old"), Logger: log.Noop})
	require.NoError(err)

	appliedEnv := func() string {
		got, err := p.relabels["clean"].Apply(context.TODO(), counterBatch("requests_total"))
		require.NoError(err)
		require.Len(got, 1)

		return got[0].Tags["env"]
	}

	assert.Equal("old", appliedEnv())

	err = p.Reload(context.TODO(), loadConfig("new"))
	require.NoError(err)
	assert.Equal("new", appliedEnv())

	err = p.Reload(context.TODO(), nil)
	require.Error(err)

	broken, err := config.Load(strings.NewReader(`
sources:
  in:
    type: statsd
sinks:
  out:
    type: console
    inputs: [in, missing]
`))
	require.NoError(err)
	err = p.Reload(context.TODO(), broken)
	require.Error(err)

	// Failed reloads leave the running rules untouched.
	assert.Equal("new", appliedEnv())
}
