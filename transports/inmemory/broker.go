package inmemory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/messaging"
)

// pollInterval caps how long a blocked receive waits before re-checking for
// lazily released locks. Expired leases have no timer of their own; they are
// reaped on access, so waiters must wake periodically.
const pollInterval = 20 * time.Millisecond

// slot is the broker-side state of one (entity, message) pair.
type slot struct {
	env           contracts.Envelope
	deliveryCount int
	lockToken     string
	lockExpiry    time.Time
}

func (s *slot) locked(now time.Time) bool {
	return s.lockToken != "" && now.Before(s.lockExpiry)
}

// stream is one active/dead-letter sub-stream pair: a queue, or one
// subscription of a topic.
type stream struct {
	opts   messaging.EntityOptions
	active []*slot
	dead   []*slot
}

type topic struct {
	opts messaging.EntityOptions
	subs map[string]*stream
}

// lockRef resolves a lock token back to the slot it leases.
type lockRef struct {
	st   *stream
	sl   *slot
	dead bool
}

// Broker is an in-process broker store implementing the full
// server-observable delivery contract: per-message lock bookkeeping,
// delivery counts incremented once per lease grant, automatic
// dead-lettering at the delivery ceiling, and copy-on-publish topic
// fan-out. Lock expiry is enforced lazily with a monotonic-clock check on
// every access to lock state, so the contract holds without a background
// timer goroutine.
//
// All mutation of lock state happens under one mutex, which serializes
// lease-grant decisions per message across concurrent receivers.
type Broker struct {
	mu     sync.Mutex
	clock  func() time.Time
	queues map[string]*stream
	topics map[string]*topic
	locks  map[string]lockRef
	notify chan struct{}
	closed bool
}

// Option configures the broker.
type Option func(*Broker)

// WithClock injects the time source. Tests use this to drive lock expiry
// deterministically.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		b.clock = clock
	}
}

// NewBroker creates an empty in-memory broker.
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		clock:  time.Now,
		queues: make(map[string]*stream),
		topics: make(map[string]*topic),
		locks:  make(map[string]lockRef),
		notify: make(chan struct{}),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// CreateQueue implements messaging.Broker. Re-creating an existing queue is
// a no-op, mirroring declare semantics of real brokers.
func (b *Broker) CreateQueue(_ context.Context, name string, opts messaging.EntityOptions) error {
	if name == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return fmt.Errorf("entity %s already exists as a topic", name)
	}
	if _, ok := b.queues[name]; ok {
		return nil
	}
	b.queues[name] = &stream{opts: opts.WithDefaults()}
	return nil
}

// CreateTopic implements messaging.Broker.
func (b *Broker) CreateTopic(_ context.Context, name string, opts messaging.EntityOptions) error {
	if name == "" {
		return fmt.Errorf("topic name must not be empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return fmt.Errorf("entity %s already exists as a queue", name)
	}
	if _, ok := b.topics[name]; ok {
		return nil
	}
	b.topics[name] = &topic{opts: opts.WithDefaults(), subs: make(map[string]*stream)}
	return nil
}

// CreateSubscription implements messaging.Broker. The subscription starts
// empty: only messages published after creation fan out to it.
func (b *Broker) CreateSubscription(_ context.Context, topicName, name string) error {
	if name == "" {
		return fmt.Errorf("subscription name must not be empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return fmt.Errorf("topic %s: %w", topicName, contracts.ErrEntityNotFound)
	}
	if _, ok := t.subs[name]; ok {
		return nil
	}
	t.subs[name] = &stream{opts: t.opts}
	return nil
}

// Send implements messaging.Broker. The message is in the entity's active
// sub-stream (and every subscription's, for topics) when Send returns.
func (b *Broker) Send(_ context.Context, entity string, env *contracts.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope must not be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &contracts.ConnectionError{Op: "send", Err: fmt.Errorf("broker closed")}
	}

	accepted := env.Clone()
	accepted.EnqueueTime = b.clock()
	accepted.DeliveryCount = 0
	accepted.LockToken = ""
	accepted.LockExpiry = time.Time{}

	if q, ok := b.queues[entity]; ok {
		if err := checkPayload(q.opts, accepted); err != nil {
			return err
		}
		q.active = append(q.active, &slot{env: *accepted})
		b.signalLocked()
		return nil
	}
	if t, ok := b.topics[entity]; ok {
		if err := checkPayload(t.opts, accepted); err != nil {
			return err
		}
		// Copy-on-publish: each subscription tracks its own delivery state
		// for the same logical event.
		for _, sub := range t.subs {
			sub.active = append(sub.active, &slot{env: *accepted.Clone()})
		}
		b.signalLocked()
		return nil
	}
	// "topic/subscription" injects directly into one subscription, used by
	// replay to keep recovery from fanning out a second time.
	if topicName, subName, ok := strings.Cut(entity, "/"); ok {
		t, found := b.topics[topicName]
		if !found {
			return fmt.Errorf("topic %s: %w", topicName, contracts.ErrEntityNotFound)
		}
		sub, found := t.subs[subName]
		if !found {
			return fmt.Errorf("subscription %s/%s: %w", topicName, subName, contracts.ErrSubscriptionNotFound)
		}
		if err := checkPayload(t.opts, accepted); err != nil {
			return err
		}
		sub.active = append(sub.active, &slot{env: *accepted})
		b.signalLocked()
		return nil
	}
	return fmt.Errorf("entity %s: %w", entity, contracts.ErrEntityNotFound)
}

func checkPayload(opts messaging.EntityOptions, env *contracts.Envelope) error {
	if opts.MaxPayloadBytes > 0 && len(env.Body) > opts.MaxPayloadBytes {
		return fmt.Errorf("body is %d bytes, entity limit %d: %w",
			len(env.Body), opts.MaxPayloadBytes, contracts.ErrPayloadTooLarge)
	}
	return nil
}

// ReceiveBatch implements messaging.Broker.
func (b *Broker) ReceiveBatch(ctx context.Context, entity messaging.Entity, maxCount int, maxWait time.Duration) ([]*contracts.Envelope, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("maxCount must be positive, got %d", maxCount)
	}
	deadline := b.clock().Add(maxWait)

	for {
		batch, notify, err := b.lease(entity, maxCount)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}

		remaining := deadline.Sub(b.clock())
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// lease performs one lease-grant pass. It returns the current notify
// channel so a caller that got nothing can wait for new messages.
func (b *Broker) lease(entity messaging.Entity, maxCount int) ([]*contracts.Envelope, chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, &contracts.ConnectionError{Op: "receive", Err: fmt.Errorf("broker closed")}
	}

	st, err := b.resolve(entity)
	if err != nil {
		return nil, nil, err
	}
	now := b.clock()
	b.reapExpired(now)

	var batch []*contracts.Envelope
	if entity.DeadLetter {
		for _, sl := range st.dead {
			if sl.locked(now) {
				continue
			}
			batch = append(batch, b.grant(st, sl, true, now))
			if len(batch) == maxCount {
				break
			}
		}
		return batch, b.notify, nil
	}

	// Iterate over a snapshot: exhausted messages are moved to the
	// dead-letter sub-stream mid-scan.
	for _, sl := range append([]*slot(nil), st.active...) {
		if sl.locked(now) {
			continue
		}
		if sl.deliveryCount >= st.opts.MaxDeliveryCount {
			// The ceiling was reached on a previous grant; the next
			// delivery attempt dead-letters instead of leasing.
			b.moveToDeadLocked(st, sl, "MaxDeliveryCountExceeded",
				fmt.Sprintf("delivery count reached %d", sl.deliveryCount))
			continue
		}
		batch = append(batch, b.grant(st, sl, false, now))
		if len(batch) == maxCount {
			break
		}
	}
	return batch, b.notify, nil
}

// grant issues a lease: exactly here, and nowhere else, the delivery count
// is incremented.
func (b *Broker) grant(st *stream, sl *slot, dead bool, now time.Time) *contracts.Envelope {
	sl.deliveryCount++
	sl.lockToken = uuid.New().String()
	sl.lockExpiry = now.Add(st.opts.LockDuration)
	b.locks[sl.lockToken] = lockRef{st: st, sl: sl, dead: dead}

	delivered := sl.env.Clone()
	delivered.DeliveryCount = sl.deliveryCount
	delivered.LockToken = sl.lockToken
	delivered.LockExpiry = sl.lockExpiry
	return delivered
}

// Complete implements messaging.Broker.
func (b *Broker) Complete(_ context.Context, lockToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, err := b.takeLock(lockToken)
	if err != nil {
		return err
	}
	if ref.dead {
		ref.st.dead = removeSlot(ref.st.dead, ref.sl)
	} else {
		ref.st.active = removeSlot(ref.st.active, ref.sl)
	}
	return nil
}

// Abandon implements messaging.Broker.
func (b *Broker) Abandon(_ context.Context, lockToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, err := b.takeLock(lockToken)
	if err != nil {
		return err
	}
	ref.sl.lockToken = ""
	ref.sl.lockExpiry = time.Time{}
	b.signalLocked()
	return nil
}

// DeadLetter implements messaging.Broker.
func (b *Broker) DeadLetter(_ context.Context, lockToken, reason, description string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, err := b.takeLock(lockToken)
	if err != nil {
		return err
	}
	if ref.dead {
		return fmt.Errorf("message %s is already dead-lettered", ref.sl.env.ID)
	}
	b.moveToDeadLocked(ref.st, ref.sl, reason, description)
	return nil
}

// Stats implements messaging.Broker. Depths ignore the dead-letter scope of
// the entity: both gauges are always reported.
func (b *Broker) Stats(_ context.Context, entity messaging.Entity) (messaging.EntityStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.resolve(entity)
	if err != nil {
		return messaging.EntityStats{}, err
	}
	return messaging.EntityStats{
		ActiveDepth:     len(st.active),
		DeadLetterDepth: len(st.dead),
	}, nil
}

// Close implements messaging.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.signalLocked()
	}
	return nil
}

// resolve maps an entity to its stream. Topics are not directly receivable;
// a subscription must be named.
func (b *Broker) resolve(entity messaging.Entity) (*stream, error) {
	if entity.Subscription == "" {
		if q, ok := b.queues[entity.Name]; ok {
			return q, nil
		}
		if _, ok := b.topics[entity.Name]; ok {
			return nil, fmt.Errorf("topic %s requires a subscription", entity.Name)
		}
		return nil, fmt.Errorf("entity %s: %w", entity.Name, contracts.ErrEntityNotFound)
	}
	t, ok := b.topics[entity.Name]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", entity.Name, contracts.ErrEntityNotFound)
	}
	sub, ok := t.subs[entity.Subscription]
	if !ok {
		return nil, fmt.Errorf("subscription %s/%s: %w", entity.Name, entity.Subscription, contracts.ErrSubscriptionNotFound)
	}
	return sub, nil
}

// takeLock validates and consumes a lock token. Expired leases are reaped
// first, so a stale token is indistinguishable from a resolved one.
func (b *Broker) takeLock(lockToken string) (lockRef, error) {
	if lockToken == "" {
		return lockRef{}, contracts.ErrLockLost
	}
	b.reapExpired(b.clock())
	ref, ok := b.locks[lockToken]
	if !ok {
		return lockRef{}, contracts.ErrLockLost
	}
	delete(b.locks, lockToken)
	return ref, nil
}

// reapExpired releases every lease past its expiry. Called under the mutex
// from every operation that reads or writes lock state (check-on-read).
func (b *Broker) reapExpired(now time.Time) {
	for token, ref := range b.locks {
		if now.Before(ref.sl.lockExpiry) {
			continue
		}
		ref.sl.lockToken = ""
		ref.sl.lockExpiry = time.Time{}
		delete(b.locks, token)
	}
}

// moveToDeadLocked moves a slot from active to the dead-letter sub-stream,
// tagging it and invalidating any lease. Caller holds b.mu.
func (b *Broker) moveToDeadLocked(st *stream, sl *slot, reason, description string) {
	if sl.lockToken != "" {
		delete(b.locks, sl.lockToken)
		sl.lockToken = ""
		sl.lockExpiry = time.Time{}
	}
	sl.env.SetAttribute(contracts.AttrDeadLetterReason, reason)
	if description != "" {
		sl.env.SetAttribute(contracts.AttrDeadLetterDescription, description)
	}
	st.active = removeSlot(st.active, sl)
	st.dead = append(st.dead, sl)
	b.signalLocked()
}

// signalLocked wakes blocked receivers. Caller holds b.mu.
func (b *Broker) signalLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func removeSlot(slots []*slot, target *slot) []*slot {
	for i, sl := range slots {
		if sl == target {
			return append(slots[:i], slots[i+1:]...)
		}
	}
	return slots
}
