package telemetry

import (
	"context"
	"time"
)

// Recorder knows how to measure the internals of the pipeline components.
type Recorder interface {
	// ObserveEventsIn measures events received by a component.
	ObserveEventsIn(ctx context.Context, component string, events int)
	// ObserveEventsOut measures events a component emits onward.
	ObserveEventsOut(ctx context.Context, component string, events int)
	// IncInvalidStatsdLines measures statsd datagram lines that could not be parsed.
	IncInvalidStatsdLines(ctx context.Context, component string)
	// ObserveScrape measures one scrape of a Prometheus endpoint.
	ObserveScrape(ctx context.Context, component, endpoint string, t time.Duration, err error)
	// IncNATSDecodeFailures measures NATS payloads that could not be decoded.
	IncNATSDecodeFailures(ctx context.Context, component string)
	// IncBufferDroppedEvents measures events dropped by a full buffer.
	IncBufferDroppedEvents(ctx context.Context, component string, events int)
	// SetBufferDepth measures the events currently queued in a buffer.
	SetBufferDepth(ctx context.Context, component string, events int)
	// SetExporterActiveSeries measures the series currently held by an exporter.
	SetExporterActiveSeries(ctx context.Context, component string, series int)
	// IncExporterExpiredSeries measures series removed by expiration.
	IncExporterExpiredSeries(ctx context.Context, component string, series int)
	// ObserveExporterRender measures one exposition render.
	ObserveExporterRender(ctx context.Context, component string, t time.Duration, skipped int)
	// IncPluginFailures measures transform plugin application failures.
	IncPluginFailures(ctx context.Context, component string)
}

type noopRecorder bool

// NoopRecorder is a Recorder that doesn't measure anything.
var NoopRecorder Recorder = noopRecorder(false)

func (noopRecorder) ObserveEventsIn(ctx context.Context, component string, events int) {
}

func (noopRecorder) ObserveEventsOut(ctx context.Context, component string, events int) {
}

func (noopRecorder) IncInvalidStatsdLines(ctx context.Context, component string) {
}

func (noopRecorder) ObserveScrape(ctx context.Context, component, endpoint string, t time.Duration, err error) {
}

func (noopRecorder) IncNATSDecodeFailures(ctx context.Context, component string) {
}

func (noopRecorder) IncBufferDroppedEvents(ctx context.Context, component string, events int) {
}

func (noopRecorder) SetBufferDepth(ctx context.Context, component string, events int) {
}

func (noopRecorder) SetExporterActiveSeries(ctx context.Context, component string, series int) {
}

func (noopRecorder) IncExporterExpiredSeries(ctx context.Context, component string, series int) {
}

func (noopRecorder) ObserveExporterRender(ctx context.Context, component string, t time.Duration, skipped int) {
}

func (noopRecorder) IncPluginFailures(ctx context.Context, component string) {
}
