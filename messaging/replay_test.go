package messaging_test

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/messaging"
	"github.com/relaymq/relay-go/transports/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadLetterN sends n messages to the queue and dead-letters all of them.
func deadLetterN(t *testing.T, broker *inmemory.Broker, queue string, n int) {
	t.Helper()
	ctx := context.Background()
	sender := messaging.NewSender(broker)
	for i := 0; i < n; i++ {
		_, err := sender.Send(ctx, queue, []byte(fmt.Sprintf("msg-%d", i)), map[string]string{"subject": "order"})
		require.NoError(t, err)
	}
	batch, err := broker.ReceiveBatch(ctx, messaging.Queue(queue), n, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, n)
	for _, env := range batch {
		require.NoError(t, broker.DeadLetter(ctx, env.LockToken, "ProcessingFailed", "handler rejected"))
	}
}

func TestReplayEngineConfig(t *testing.T) {
	broker := inmemory.NewBroker()

	t.Run("ceiling without a sink is rejected", func(t *testing.T) {
		_, err := messaging.NewReplayEngine(broker, messaging.ReplayConfig{
			Source:         messaging.Queue("orders"),
			MaxReplayCount: 3,
		})
		assert.Error(t, err)
	})

	t.Run("source entity is required", func(t *testing.T) {
		_, err := messaging.NewReplayEngine(broker, messaging.ReplayConfig{})
		assert.Error(t, err)
	})
}

func TestReplayRoundTrip(t *testing.T) {
	ctx := context.Background()
	broker := inmemory.NewBroker()
	require.NoError(t, broker.CreateQueue(ctx, "orders", messaging.EntityOptions{}))
	deadLetterN(t, broker, "orders", 2)

	engine, err := messaging.NewReplayEngine(broker, messaging.ReplayConfig{
		Source:  messaging.Queue("orders"),
		MaxWait: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	report, err := engine.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, messaging.ReplayReport{Attempted: 2, Succeeded: 2}, report)

	stats, err := broker.Stats(ctx, messaging.Queue("orders"))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveDepth)
	assert.Equal(t, 0, stats.DeadLetterDepth, "replayed originals are removed permanently")

	batch, err := broker.ReceiveBatch(ctx, messaging.Queue("orders"), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	for _, env := range batch {
		assert.Equal(t, "1", env.Attributes[contracts.AttrReplayCount])
		assert.Equal(t, "order", env.Attributes["subject"], "original attributes preserved")
		assert.NotContains(t, env.Attributes, contracts.AttrDeadLetterReason)
		assert.Equal(t, 1, env.DeliveryCount, "replayed copy is a fresh envelope")
	}
}

func TestReplayToAlternateDestination(t *testing.T) {
	ctx := context.Background()
	broker := inmemory.NewBroker()
	require.NoError(t, broker.CreateQueue(ctx, "orders", messaging.EntityOptions{}))
	require.NoError(t, broker.CreateQueue(ctx, "orders-repair", messaging.EntityOptions{}))
	deadLetterN(t, broker, "orders", 1)

	engine, err := messaging.NewReplayEngine(broker, messaging.ReplayConfig{
		Source:      messaging.Queue("orders"),
		Destination: "orders-repair",
		MaxWait:     100 * time.Millisecond,
	})
	require.NoError(t, err)

	report, err := engine.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	repair, err := broker.Stats(ctx, messaging.Queue("orders-repair"))
	require.NoError(t, err)
	assert.Equal(t, 1, repair.ActiveDepth)
}

func TestReplayCeiling(t *testing.T) {
	ctx := context.Background()
	broker := inmemory.NewBroker()
	require.NoError(t, broker.CreateQueue(ctx, "orders", messaging.EntityOptions{}))

	// A message that has already been replayed twice.
	sender := messaging.NewSender(broker)
	_, err := sender.Send(ctx, "orders", []byte("looping"), map[string]string{
		contracts.AttrReplayCount: strconv.Itoa(2),
	})
	require.NoError(t, err)
	batch, err := broker.ReceiveBatch(ctx, messaging.Queue("orders"), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, broker.DeadLetter(ctx, batch[0].LockToken, "ProcessingFailed", ""))

	sink := messaging.NewInMemorySink()
	engine, err := messaging.NewReplayEngine(broker, messaging.ReplayConfig{
		Source:         messaging.Queue("orders"),
		MaxWait:        100 * time.Millisecond,
		MaxReplayCount: 2,
		Sink:           sink,
	})
	require.NoError(t, err)

	report, err := engine.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, messaging.ReplayReport{Attempted: 1, Exhausted: 1}, report)

	stats, err := broker.Stats(ctx, messaging.Queue("orders"))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActiveDepth, "exhausted message is not resubmitted")
	assert.Equal(t, 0, stats.DeadLetterDepth, "exhausted message leaves the dead-letter stream")

	stored := sink.Messages()
	require.Len(t, stored, 1)
	assert.Equal(t, []byte("looping"), stored[0].Body)
}

func TestReplayResubmissionFailure(t *testing.T) {
	// Destination does not exist: resubmission fails, the dead-letter lease
	// is abandoned and the message stays recoverable.
	ctx := context.Background()
	broker := inmemory.NewBroker()
	require.NoError(t, broker.CreateQueue(ctx, "orders", messaging.EntityOptions{}))
	deadLetterN(t, broker, "orders", 1)

	engine, err := messaging.NewReplayEngine(broker, messaging.ReplayConfig{
		Source:      messaging.Queue("orders"),
		Destination: "missing-queue",
		MaxWait:     100 * time.Millisecond,
	})
	require.NoError(t, err)

	report, err := engine.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, messaging.ReplayReport{Attempted: 1, Failed: 1}, report)

	stats, err := broker.Stats(ctx, messaging.Queue("orders"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetterDepth, "failed resubmission never drops the message")
}

func TestTopicScenarioWithReplay(t *testing.T) {
	// Publish 6 events, dead-letter 2 on billing, replay them back.
	ctx := context.Background()
	broker := inmemory.NewBroker()
	require.NoError(t, broker.CreateTopic(ctx, "events", messaging.EntityOptions{}))
	require.NoError(t, broker.CreateSubscription(ctx, "events", "billing"))
	require.NoError(t, broker.CreateSubscription(ctx, "events", "analytics"))

	sender := messaging.NewSender(broker)
	for i := 0; i < 6; i++ {
		_, err := sender.Send(ctx, "events", []byte(fmt.Sprintf("event-%d", i)), nil)
		require.NoError(t, err)
	}

	billing := messaging.Subscription("events", "billing")
	batch, err := broker.ReceiveBatch(ctx, billing, 6, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 6)
	for i, env := range batch {
		if i < 2 {
			require.NoError(t, broker.DeadLetter(ctx, env.LockToken, "BillingRejected", ""))
		} else {
			require.NoError(t, broker.Complete(ctx, env.LockToken))
		}
	}

	billingStats, err := broker.Stats(ctx, billing)
	require.NoError(t, err)
	assert.Equal(t, 2, billingStats.DeadLetterDepth)
	analyticsStats, err := broker.Stats(ctx, messaging.Subscription("events", "analytics"))
	require.NoError(t, err)
	assert.Equal(t, 6, analyticsStats.ActiveDepth)

	engine, err := messaging.NewReplayEngine(broker, messaging.ReplayConfig{
		Source:  billing,
		MaxWait: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	report, err := engine.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)

	billingStats, err = broker.Stats(ctx, billing)
	require.NoError(t, err)
	assert.Equal(t, 0, billingStats.DeadLetterDepth)
	assert.Equal(t, 2, billingStats.ActiveDepth)

	analyticsStats, err = broker.Stats(ctx, messaging.Subscription("events", "analytics"))
	require.NoError(t, err)
	assert.Equal(t, 6, analyticsStats.ActiveDepth, "replay does not fan out to siblings")

	recovered, err := broker.ReceiveBatch(ctx, billing, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	for _, env := range recovered {
		assert.Equal(t, "1", env.Attributes[contracts.AttrReplayCount])
	}
}
