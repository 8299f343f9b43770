package checkpoints

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/klog/v2"
)

// MetricsRecorder records checkpoint engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSave records one completed save cycle of a tag, with its duration and error
	// status. For asynchronous saves the duration covers submission to drain.
	RecordSave(ctx context.Context, tag string, duration time.Duration, err error)

	// RecordLoad records one checkpoint load.
	RecordLoad(ctx context.Context, tag string, duration time.Duration, err error)

	// RecordBytesWritten records payload bytes written while saving a tag.
	RecordBytesWritten(ctx context.Context, tag string, sizeBytes int64)

	// RecordRemoval records one retention removal pass and how many files it deleted.
	RecordRemoval(ctx context.Context, filesRemoved int, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	saves          metric.Int64Counter
	saveLatency    metric.Float64Histogram
	saveErrors     metric.Int64Counter
	loads          metric.Int64Counter
	loadLatency    metric.Float64Histogram
	bytesWritten   metric.Int64Counter
	filesRemoved   metric.Int64Counter
	removalLatency metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("distckpt")

	saves, err := meter.Int64Counter("distckpt.save.count",
		metric.WithDescription("Number of checkpoint save cycles"),
	)
	if err != nil {
		return nil, err
	}
	saveLatency, err := meter.Float64Histogram("distckpt.save.latency_ms",
		metric.WithDescription("Checkpoint save latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	saveErrors, err := meter.Int64Counter("distckpt.save.errors",
		metric.WithDescription("Number of failed checkpoint saves"),
	)
	if err != nil {
		return nil, err
	}
	loads, err := meter.Int64Counter("distckpt.load.count",
		metric.WithDescription("Number of checkpoint loads"),
	)
	if err != nil {
		return nil, err
	}
	loadLatency, err := meter.Float64Histogram("distckpt.load.latency_ms",
		metric.WithDescription("Checkpoint load latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	bytesWritten, err := meter.Int64Counter("distckpt.save.bytes",
		metric.WithDescription("Checkpoint payload bytes written"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	filesRemoved, err := meter.Int64Counter("distckpt.removal.files",
		metric.WithDescription("Number of checkpoint files removed by retention"),
	)
	if err != nil {
		return nil, err
	}
	removalLatency, err := meter.Float64Histogram("distckpt.removal.latency_ms",
		metric.WithDescription("Retention removal latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		saves:          saves,
		saveLatency:    saveLatency,
		saveErrors:     saveErrors,
		loads:          loads,
		loadLatency:    loadLatency,
		bytesWritten:   bytesWritten,
		filesRemoved:   filesRemoved,
		removalLatency: removalLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider before calling this
// function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		klog.Warningf("checkpoint metrics initialization failed, using no-op recorder: %v", err)
		return NoopMetrics{}
	}
	return m
}

// RecordSave implements MetricsRecorder.
func (m *otelMetrics) RecordSave(ctx context.Context, tag string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("tag", tag),
	}
	m.saves.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.saveLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.saveErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordLoad implements MetricsRecorder.
func (m *otelMetrics) RecordLoad(ctx context.Context, tag string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("tag", tag),
		attribute.Bool("success", err == nil),
	}
	m.loads.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.loadLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordBytesWritten implements MetricsRecorder.
func (m *otelMetrics) RecordBytesWritten(ctx context.Context, tag string, sizeBytes int64) {
	m.bytesWritten.Add(ctx, sizeBytes, metric.WithAttributes(attribute.String("tag", tag)))
}

// RecordRemoval implements MetricsRecorder.
func (m *otelMetrics) RecordRemoval(ctx context.Context, filesRemoved int, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", err == nil),
	}
	m.filesRemoved.Add(ctx, int64(filesRemoved), metric.WithAttributes(attrs...))
	m.removalLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordSave does nothing.
func (NoopMetrics) RecordSave(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordLoad does nothing.
func (NoopMetrics) RecordLoad(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordBytesWritten does nothing.
func (NoopMetrics) RecordBytesWritten(_ context.Context, _ string, _ int64) {}

// RecordRemoval does nothing.
func (NoopMetrics) RecordRemoval(_ context.Context, _ int, _ time.Duration, _ error) {}
