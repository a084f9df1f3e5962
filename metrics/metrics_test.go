package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/relaymq/relay-go/messaging"
	"github.com/relaymq/relay-go/transports/inmemory"
)

// gaugeValue extracts the data point for one entity from a collected gauge.
func gaugeValue(t *testing.T, rm metricdata.ResourceMetrics, name, entity string) (int64, bool) {
	t.Helper()
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "metric %s is not an int64 gauge", name)
			for _, dp := range gauge.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("entity")); ok && v.AsString() == entity {
					return dp.Value, true
				}
			}
		}
	}
	return 0, false
}

func TestCollectorObservesDepths(t *testing.T) {
	ctx := context.Background()
	broker := inmemory.NewBroker()
	require.NoError(t, broker.CreateQueue(ctx, "orders", messaging.EntityOptions{}))

	sender := messaging.NewSender(broker)
	for i := 0; i < 3; i++ {
		_, err := sender.Send(ctx, "orders", []byte("payload"), nil)
		require.NoError(t, err)
	}
	batch, err := broker.ReceiveBatch(ctx, messaging.Queue("orders"), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, broker.DeadLetter(ctx, batch[0].LockToken, "ProcessingFailed", ""))

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	collector, err := NewCollector(broker, WithMeter(provider.Meter("relay-test")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Close() })
	collector.Watch(messaging.Queue("orders"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	active, ok := gaugeValue(t, rm, "relay.entity.active.depth", "orders")
	require.True(t, ok)
	assert.Equal(t, int64(2), active)

	dead, ok := gaugeValue(t, rm, "relay.entity.deadletter.depth", "orders")
	require.True(t, ok)
	assert.Equal(t, int64(1), dead)
}

func TestCollectorSkipsMissingEntities(t *testing.T) {
	ctx := context.Background()
	broker := inmemory.NewBroker()
	require.NoError(t, broker.CreateQueue(ctx, "orders", messaging.EntityOptions{}))

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	collector, err := NewCollector(broker, WithMeter(provider.Meter("relay-test")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Close() })
	collector.Watch(messaging.Queue("orders"), messaging.Queue("missing"))
	collector.Watch(messaging.Queue("orders")) // duplicate ignored

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	_, ok := gaugeValue(t, rm, "relay.entity.active.depth", "orders")
	assert.True(t, ok)
	_, ok = gaugeValue(t, rm, "relay.entity.active.depth", "missing")
	assert.False(t, ok, "unknown entities are skipped, not reported as zero")
}
