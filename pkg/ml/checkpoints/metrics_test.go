package checkpoints_test

import (
	"context"
	"testing"

	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/ml/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func findMetric(rm *metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func counterTotal(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	require.True(t, ok, "metric %s not collected", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is a %T, expected Sum[int64]", name, m.Data)
	var total int64
	for _, point := range sum.DataPoints {
		total += point.Value
	}
	return total
}

func TestMetricsRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer otel.SetMeterProvider(previous)

	handler, err := checkpoints.Build(singlePeer()).
		StorageURL(memURL()).
		Keep(1).
		Metrics(checkpoints.NewMetricsRecorder()).
		Done()
	require.NoError(t, err)
	defer func() { require.NoError(t, handler.Close()) }()

	model := checkpoints.Snapshot{
		"w": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4),
	}
	require.NoError(t, handler.Save("step-0001", checkpoints.Payloads{Model: model}))
	require.NoError(t, handler.Save("step-0002", checkpoints.Payloads{Model: model}))
	loaded := checkpoints.Snapshot{}
	_, err = handler.Load("", checkpoints.Payloads{Model: loaded})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(2), counterTotal(t, &rm, "distckpt.save.count"))
	assert.Equal(t, int64(1), counterTotal(t, &rm, "distckpt.load.count"))
	// Each of the two cycles wrote the 16-byte tensor payload.
	assert.GreaterOrEqual(t, counterTotal(t, &rm, "distckpt.save.bytes"), int64(32))
	// The second save pruned the first checkpoint's files.
	assert.Greater(t, counterTotal(t, &rm, "distckpt.removal.files"), int64(0))

	if m, ok := findMetric(&rm, "distckpt.save.errors"); ok {
		assert.Zero(t, counterTotal(t, &rm, m.Name))
	}
}
