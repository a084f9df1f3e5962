package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) CreateQueue(ctx context.Context, name string, opts EntityOptions) error {
	return m.Called(ctx, name, opts).Error(0)
}

func (m *mockBroker) CreateTopic(ctx context.Context, name string, opts EntityOptions) error {
	return m.Called(ctx, name, opts).Error(0)
}

func (m *mockBroker) CreateSubscription(ctx context.Context, topic, name string) error {
	return m.Called(ctx, topic, name).Error(0)
}

func (m *mockBroker) Send(ctx context.Context, entity string, env *contracts.Envelope) error {
	return m.Called(ctx, entity, env).Error(0)
}

func (m *mockBroker) ReceiveBatch(ctx context.Context, entity Entity, maxCount int, maxWait time.Duration) ([]*contracts.Envelope, error) {
	args := m.Called(ctx, entity, maxCount, maxWait)
	if batch := args.Get(0); batch != nil {
		return batch.([]*contracts.Envelope), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBroker) Complete(ctx context.Context, lockToken string) error {
	return m.Called(ctx, lockToken).Error(0)
}

func (m *mockBroker) Abandon(ctx context.Context, lockToken string) error {
	return m.Called(ctx, lockToken).Error(0)
}

func (m *mockBroker) DeadLetter(ctx context.Context, lockToken, reason, description string) error {
	return m.Called(ctx, lockToken, reason, description).Error(0)
}

func (m *mockBroker) Stats(ctx context.Context, entity Entity) (EntityStats, error) {
	args := m.Called(ctx, entity)
	return args.Get(0).(EntityStats), args.Error(1)
}

func (m *mockBroker) Close() error {
	return m.Called().Error(0)
}

func TestSenderSend(t *testing.T) {
	t.Run("returns the generated message id", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("Send", mock.Anything, "orders", mock.Anything).Return(nil)
		sender := NewSender(broker)

		id, err := sender.Send(context.Background(), "orders", []byte("hello"), map[string]string{"subject": "greeting"})

		require.NoError(t, err)
		assert.NotEmpty(t, id)
		broker.AssertCalled(t, "Send", mock.Anything, "orders", mock.MatchedBy(func(env *contracts.Envelope) bool {
			return env.ID == id && env.Attributes["subject"] == "greeting"
		}))
	})

	t.Run("rejects oversized payloads without touching the broker", func(t *testing.T) {
		broker := &mockBroker{}
		sender := NewSender(broker, WithMaxPayloadSize(8))

		_, err := sender.Send(context.Background(), "orders", []byte("way too large body"), nil)

		assert.ErrorIs(t, err, contracts.ErrPayloadTooLarge)
		broker.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects empty entity", func(t *testing.T) {
		sender := NewSender(&mockBroker{})

		_, err := sender.Send(context.Background(), "", []byte("x"), nil)

		assert.Error(t, err)
	})

	t.Run("retries transient connection failures", func(t *testing.T) {
		broker := &mockBroker{}
		connErr := &contracts.ConnectionError{Op: "send", Err: errors.New("broken pipe")}
		broker.On("Send", mock.Anything, "orders", mock.Anything).Return(connErr).Twice()
		broker.On("Send", mock.Anything, "orders", mock.Anything).Return(nil).Once()
		sender := NewSender(broker, WithSenderRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))

		id, err := sender.Send(context.Background(), "orders", []byte("hello"), nil)

		require.NoError(t, err)
		assert.NotEmpty(t, id)
		broker.AssertNumberOfCalls(t, "Send", 3)
	})

	t.Run("surfaces connection failure once retries exhaust", func(t *testing.T) {
		broker := &mockBroker{}
		connErr := &contracts.ConnectionError{Op: "send", Err: errors.New("broken pipe")}
		broker.On("Send", mock.Anything, "orders", mock.Anything).Return(connErr)
		sender := NewSender(broker, WithSenderRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 2)))

		_, err := sender.Send(context.Background(), "orders", []byte("hello"), nil)

		var ce *contracts.ConnectionError
		assert.ErrorAs(t, err, &ce)
		broker.AssertNumberOfCalls(t, "Send", 3)
	})
}

func TestSenderSendBatch(t *testing.T) {
	t.Run("returns ids in order", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("Send", mock.Anything, "orders", mock.Anything).Return(nil)
		sender := NewSender(broker)

		ids, err := sender.SendBatch(context.Background(), "orders", []Outbound{
			{Body: []byte("a")},
			{Body: []byte("b")},
			{Body: []byte("c")},
		})

		require.NoError(t, err)
		assert.Len(t, ids, 3)
		broker.AssertNumberOfCalls(t, "Send", 3)
	})

	t.Run("stops at the first failure and reports accepted ids", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("Send", mock.Anything, "orders", mock.Anything).Return(nil).Once()
		sender := NewSender(broker, WithSenderRetryPolicy(reliability.None{}))

		ids, err := sender.SendBatch(context.Background(), "orders", []Outbound{
			{Body: []byte("ok")},
			{Body: make([]byte, DefaultMaxPayloadBytes+1)},
			{Body: []byte("never sent")},
		})

		assert.ErrorIs(t, err, contracts.ErrPayloadTooLarge)
		assert.Len(t, ids, 1)
		broker.AssertNumberOfCalls(t, "Send", 1)
	})
}
