package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/reliability"
)

// Handler processes one delivery and returns the outcome that decides its
// resolution: Success completes, RetryableFailure abandons,
// PermanentFailure dead-letters.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) contracts.Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) contracts.Outcome

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) contracts.Outcome {
	return f(ctx, env)
}

// ReceiverConfig selects the stream a receiver is bound to. The receive
// mode (normal vs dead-letter-scoped) is fixed at construction, not per
// call.
type ReceiverConfig struct {
	Entity Entity
}

// Receiver leases messages in batches and resolves them one at a time.
// Multiple receivers may operate concurrently against the same entity; the
// broker guarantees at most one valid lock per message.
type Receiver struct {
	broker Broker
	cfg    ReceiverConfig
	logger *slog.Logger
	retry  reliability.Policy
}

// ReceiverOption configures the Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the logger.
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithReceiverRetryPolicy sets the transport retry policy for receives.
func WithReceiverRetryPolicy(policy reliability.Policy) ReceiverOption {
	return func(r *Receiver) {
		r.retry = policy
	}
}

// NewReceiver creates a receiver bound to the configured entity.
func NewReceiver(broker Broker, cfg ReceiverConfig, options ...ReceiverOption) (*Receiver, error) {
	if err := cfg.Entity.Validate(); err != nil {
		return nil, fmt.Errorf("receiver config: %w", err)
	}
	r := &Receiver{
		broker: broker,
		cfg:    cfg,
		logger: slog.Default(),
		retry:  reliability.NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Entity returns the stream this receiver is bound to.
func (r *Receiver) Entity() Entity {
	return r.cfg.Entity
}

// ReceiveBatch leases up to maxCount messages, waiting at most maxWait.
// Zero results after maxWait is not an error.
func (r *Receiver) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]*contracts.Envelope, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("maxCount must be positive, got %d", maxCount)
	}

	var batch []*contracts.Envelope
	err := reliability.Retry(ctx, r.retry, func() error {
		var err error
		batch, err = r.broker.ReceiveBatch(ctx, r.cfg.Entity, maxCount, maxWait)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", r.cfg.Entity, err)
	}
	return batch, nil
}

// Complete marks the delivery successful and removes the message.
// ErrLockLost is surfaced to the caller but must be treated as non-fatal:
// the message was redelivered or already handled elsewhere.
func (r *Receiver) Complete(ctx context.Context, env *contracts.Envelope) error {
	return r.broker.Complete(ctx, env.LockToken)
}

// Abandon releases the lease early; the message becomes immediately
// eligible for redelivery.
func (r *Receiver) Abandon(ctx context.Context, env *contracts.Envelope) error {
	return r.broker.Abandon(ctx, env.LockToken)
}

// DeadLetter moves the message to the dead-letter sub-stream, tagged with
// reason and description for diagnosis.
func (r *Receiver) DeadLetter(ctx context.Context, env *contracts.Envelope, reason, description string) error {
	return r.broker.DeadLetter(ctx, env.LockToken, reason, description)
}

// Process receives one batch and resolves each message according to the
// handler's outcome. Lock-lost resolutions are logged and skipped, never
// treated as processing failures. Returns the number of messages handled.
func (r *Receiver) Process(ctx context.Context, maxCount int, maxWait time.Duration, handler Handler) (int, error) {
	batch, err := r.ReceiveBatch(ctx, maxCount, maxWait)
	if err != nil {
		return 0, err
	}

	for i, env := range batch {
		outcome := handler.Handle(ctx, env)

		var resErr error
		switch outcome.Kind {
		case contracts.OutcomeSuccess:
			resErr = r.Complete(ctx, env)
		case contracts.OutcomeRetryableFailure:
			r.logger.Warn("handler requested retry",
				"entity", r.cfg.Entity.String(),
				"messageId", env.ID,
				"deliveryCount", env.DeliveryCount,
				"reason", outcome.Reason,
			)
			resErr = r.Abandon(ctx, env)
		case contracts.OutcomePermanentFailure:
			r.logger.Warn("handler rejected message",
				"entity", r.cfg.Entity.String(),
				"messageId", env.ID,
				"reason", outcome.Reason,
			)
			resErr = r.DeadLetter(ctx, env, outcome.Reason, outcome.Description)
		default:
			return i, fmt.Errorf("unknown outcome kind %d for message %s", outcome.Kind, env.ID)
		}

		if resErr != nil {
			if errors.Is(resErr, contracts.ErrLockLost) {
				// Redelivered or already handled elsewhere; move on.
				r.logger.Warn("lock lost during resolution",
					"entity", r.cfg.Entity.String(),
					"messageId", env.ID,
				)
				continue
			}
			return i, fmt.Errorf("resolve message %s: %w", env.ID, resErr)
		}
	}
	return len(batch), nil
}

// Run processes batches until ctx is cancelled. Connection failures inside
// a cycle have already exhausted the receiver's retry policy, so they are
// fatal and propagate to the caller.
func (r *Receiver) Run(ctx context.Context, maxCount int, maxWait time.Duration, handler Handler) error {
	for {
		if _, err := r.Process(ctx, maxCount, maxWait, handler); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
