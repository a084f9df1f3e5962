package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/reliability"
)

// DefaultMaxPayloadBytes caps message bodies unless overridden.
const DefaultMaxPayloadBytes = 256 * 1024

// Outbound is one message of a batch send.
type Outbound struct {
	Body       []byte
	Attributes map[string]string
}

// Sender publishes envelopes to queues and topics. Sends are synchronous:
// the broker has durably accepted the message when Send returns. Transport
// failures are retried with backoff; idempotency across retries is the
// caller's responsibility (at-least-once).
type Sender struct {
	broker     Broker
	logger     *slog.Logger
	retry      reliability.Policy
	maxPayload int
}

// SenderOption configures the Sender.
type SenderOption func(*Sender)

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = logger
	}
}

// WithSenderRetryPolicy sets the transport retry policy.
func WithSenderRetryPolicy(policy reliability.Policy) SenderOption {
	return func(s *Sender) {
		s.retry = policy
	}
}

// WithMaxPayloadSize sets the sender-side body size limit in bytes.
func WithMaxPayloadSize(bytes int) SenderOption {
	return func(s *Sender) {
		s.maxPayload = bytes
	}
}

// NewSender creates a sender over the given broker handle.
func NewSender(broker Broker, options ...SenderOption) *Sender {
	s := &Sender{
		broker:     broker,
		logger:     slog.Default(),
		retry:      reliability.NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5),
		maxPayload: DefaultMaxPayloadBytes,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Send publishes one message to the named queue or topic and returns its ID.
func (s *Sender) Send(ctx context.Context, entity string, body []byte, attributes map[string]string) (string, error) {
	if entity == "" {
		return "", fmt.Errorf("entity must not be empty")
	}
	if len(body) > s.maxPayload {
		return "", fmt.Errorf("body is %d bytes, limit %d: %w", len(body), s.maxPayload, contracts.ErrPayloadTooLarge)
	}

	env := contracts.NewEnvelope(body, attributes)
	err := reliability.Retry(ctx, s.retry, func() error {
		return s.broker.Send(ctx, entity, env)
	})
	if err != nil {
		s.logger.Error("send failed",
			"entity", entity,
			"messageId", env.ID,
			"error", err,
		)
		return "", fmt.Errorf("send to %s: %w", entity, err)
	}

	s.logger.Debug("message sent",
		"entity", entity,
		"messageId", env.ID,
	)
	return env.ID, nil
}

// SendBatch publishes a batch of messages and returns their IDs in order.
// The batch is not transactional: on error, messages before the failing one
// have been accepted.
func (s *Sender) SendBatch(ctx context.Context, entity string, batch []Outbound) ([]string, error) {
	ids := make([]string, 0, len(batch))
	for i, out := range batch {
		id, err := s.Send(ctx, entity, out.Body, out.Attributes)
		if err != nil {
			return ids, fmt.Errorf("batch message %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
