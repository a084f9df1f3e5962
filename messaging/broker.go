package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymq/relay-go/contracts"
)

// Entity addresses one delivery stream: a queue, or a subscription of a
// topic, optionally scoped to its dead-letter sub-stream. Entity selection
// is always explicit configuration, never ambient state.
type Entity struct {
	// Name is the queue or topic name.
	Name string
	// Subscription is set when Name refers to a topic.
	Subscription string
	// DeadLetter scopes the entity to its dead-letter sub-stream.
	// Dead-letter receivers are read-only recovery views.
	DeadLetter bool
}

// Queue addresses a queue's active stream.
func Queue(name string) Entity {
	return Entity{Name: name}
}

// Subscription addresses a topic subscription's active stream.
func Subscription(topic, subscription string) Entity {
	return Entity{Name: topic, Subscription: subscription}
}

// AsDeadLetter returns the same entity scoped to its dead-letter sub-stream.
func (e Entity) AsDeadLetter() Entity {
	e.DeadLetter = true
	return e
}

// String renders the entity for logs and metric attributes.
func (e Entity) String() string {
	s := e.Name
	if e.Subscription != "" {
		s = fmt.Sprintf("%s/%s", e.Name, e.Subscription)
	}
	if e.DeadLetter {
		s += "/$deadletter"
	}
	return s
}

// Validate checks that the entity is addressable.
func (e Entity) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity name must not be empty")
	}
	return nil
}

// EntityOptions carries the delivery policy fixed at provisioning time.
type EntityOptions struct {
	// MaxDeliveryCount is the delivery-attempt ceiling before a message is
	// dead-lettered automatically.
	MaxDeliveryCount int
	// LockDuration bounds each lease; an unresolved lease is released when
	// it elapses.
	LockDuration time.Duration
	// MaxPayloadBytes bounds message bodies. Zero means no broker-side cap.
	MaxPayloadBytes int
}

const (
	// DefaultMaxDeliveryCount is applied when provisioning leaves the
	// ceiling unset.
	DefaultMaxDeliveryCount = 10
	// DefaultLockDuration is applied when provisioning leaves the lock
	// duration unset.
	DefaultLockDuration = 30 * time.Second
)

// WithDefaults fills unset fields with the standard delivery policy.
func (o EntityOptions) WithDefaults() EntityOptions {
	if o.MaxDeliveryCount <= 0 {
		o.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	return o
}

// EntityStats exposes per-entity depths as read-only gauges for external
// alerting. The core never sends alerts itself.
type EntityStats struct {
	ActiveDepth     int
	DeadLetterDepth int
}

// Broker is the connected broker handle the core operates against. The
// broker is the single source of truth for lock state: it serializes
// lease-grant decisions per message, increments the delivery count exactly
// once per grant, releases expired locks, and moves messages whose delivery
// count reached the entity ceiling to the dead-letter sub-stream.
type Broker interface {
	// CreateQueue provisions a queue and its dead-letter sub-stream.
	CreateQueue(ctx context.Context, name string, opts EntityOptions) error

	// CreateTopic provisions a topic. Messages sent to a topic fan out to
	// every subscription as independent copies.
	CreateTopic(ctx context.Context, name string, opts EntityOptions) error

	// CreateSubscription provisions a subscription with its own active and
	// dead-letter sub-streams.
	CreateSubscription(ctx context.Context, topic, name string) error

	// Send durably accepts an envelope before returning. The entity names
	// a queue, a topic (copy-on-publish fan-out to every subscription), or
	// a "topic/subscription" path for direct injection into a single
	// subscription's active stream. At-least-once: a retried send after a
	// timed-out acknowledgment may duplicate the message.
	Send(ctx context.Context, entity string, env *contracts.Envelope) error

	// ReceiveBatch leases up to maxCount messages, blocking up to maxWait.
	// It may return fewer than maxCount, or none, once maxWait elapses; it
	// never blocks indefinitely. Each returned envelope carries a lock
	// token valid until its lock expiry.
	ReceiveBatch(ctx context.Context, entity Entity, maxCount int, maxWait time.Duration) ([]*contracts.Envelope, error)

	// Complete resolves a delivery as successful and removes the message.
	// Returns ErrLockLost if the token expired or was already resolved.
	Complete(ctx context.Context, lockToken string) error

	// Abandon releases a lease early, making the message immediately
	// eligible for redelivery. The delivery count is not touched here; it
	// was incremented at grant time.
	Abandon(ctx context.Context, lockToken string) error

	// DeadLetter force-moves the locked message to the entity's dead-letter
	// sub-stream regardless of delivery count, tagged with reason and
	// description.
	DeadLetter(ctx context.Context, lockToken, reason, description string) error

	// Stats reports the entity's current stream depths.
	Stats(ctx context.Context, entity Entity) (EntityStats, error)

	// Close releases the broker handle.
	Close() error
}
