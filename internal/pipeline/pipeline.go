// Package pipeline assembles sources, transforms and sinks into a running
// metrics pipeline.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/promsink/promsink/internal/buffer"
	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/telemetry"
	"github.com/promsink/promsink/internal/transform/relabel"
)

// defaultDrainTimeout bounds how long sinks get to drain their buffers on
// shutdown.
const defaultDrainTimeout = 10 * time.Second

// Source produces metric events into the pipeline until ctx is done.
type Source interface {
	Run(ctx context.Context) error
}

// Transform rewrites, routes or drops the events of a batch.
type Transform interface {
	Apply(ctx context.Context, batch model.Batch) (model.Batch, error)
}

// Sink consumes metric events from its buffer until ctx is done.
type Sink interface {
	Run(ctx context.Context) error
}

// node is a consumer edge target, a transform applied inline or a sink buffer.
type node struct {
	name      string
	transform Transform
	buffer    buffer.Buffer
}

// Pipeline is a built topology ready to run. Events flow source, transform
// chains, sink buffers. Transforms run inline in the producing source's
// goroutine and rebuild events instead of mutating them in place, fan-out
// branches share the delivered batch.
type Pipeline struct {
	sources      map[string]Source
	sinks        map[string]Sink
	buffers      map[string]buffer.Buffer
	consumers    map[string][]*node
	relabels     map[string]*relabel.Transform
	shape        map[string]componentShape
	drainTimeout time.Duration
	recorder     telemetry.Recorder
	logger       log.Logger
}

// deliver fans a producer's batch out to every consumer whose inputs name the
// producer, applying transform chains along the way.
func (p *Pipeline) deliver(ctx context.Context, producer string, batch model.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	p.recorder.ObserveEventsOut(ctx, producer, len(batch))

	for _, consumer := range p.consumers[producer] {
		if consumer.buffer != nil {
			if err := consumer.buffer.Push(ctx, batch); err != nil {
				return fmt.Errorf("could not push events to sink %q: %w", consumer.name, err)
			}
			continue
		}

		p.recorder.ObserveEventsIn(ctx, consumer.name, len(batch))
		out, err := consumer.transform.Apply(ctx, batch)
		if err != nil {
			p.logger.WithValues(log.Kv{"transform": consumer.name}).Errorf("Transform failed, batch dropped: %s", err)
			continue
		}

		if err := p.deliver(ctx, consumer.name, out); err != nil {
			return err
		}
	}

	return nil
}

// Run runs every component until ctx is done or a component fails. On
// shutdown sources stop first and sinks get a grace period to drain what is
// already buffered.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Sinks outlive the pipeline context so they can drain on shutdown.
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()

	errs := make(chan error, len(p.sources)+len(p.sinks))

	var sinks sync.WaitGroup
	for name, sink := range p.sinks {
		sinks.Add(1)
		go func(name string, sink Sink) {
			defer sinks.Done()
			if err := sink.Run(sinkCtx); err != nil {
				errs <- fmt.Errorf("sink %q failed: %w", name, err)
			}
		}(name, sink)
	}

	var sources sync.WaitGroup
	for name, source := range p.sources {
		sources.Add(1)
		go func(name string, source Source) {
			defer sources.Done()
			if err := source.Run(ctx); err != nil {
				errs <- fmt.Errorf("source %q failed: %w", name, err)
			}
		}(name, source)
	}

	p.logger.Infof("Pipeline running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		cancel()
	}

	// Sources stop emitting before the buffers close, nothing gets pushed
	// into a closed buffer.
	sources.Wait()
	for _, buf := range p.buffers {
		_ = buf.Close()
	}

	timeout := p.drainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}

	drained := make(chan struct{})
	go func() {
		sinks.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(timeout):
		p.logger.Warningf("Drain grace period exceeded, stopping sinks")
	}
	sinkCancel()
	sinks.Wait()

	p.logger.Infof("Pipeline stopped")

	return runErr
}
