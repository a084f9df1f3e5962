package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/messaging"
)

const deadLetterSuffix = ".dlq"

// entityKind records what a name was provisioned as.
type entityKind int

const (
	kindQueue entityKind = iota
	kindTopic
)

type entityInfo struct {
	kind entityKind
	opts messaging.EntityOptions
}

// pendingDelivery tracks one unresolved lease: the AMQP delivery plus where
// an explicit dead-letter must be republished.
type pendingDelivery struct {
	delivery amqp091.Delivery
	dlq      string
}

// Transport implements the broker contract over RabbitMQ. Completion maps to
// Ack, abandon to Nack with requeue, and explicit dead-lettering republishes
// the message to the entity's companion ".dlq" queue. The delivery-attempt
// ceiling is enforced server-side by quorum-queue delivery limits with a
// dead-letter exchange target, so the contract's dead-letter threshold holds
// without client bookkeeping.
//
// Lock tokens are scoped to this transport instance. Their expiry is
// approximated by the AMQP model: an unacked delivery returns to the queue
// when the consumer channel closes rather than on a per-message timer.
type Transport struct {
	cm     *connectionManager
	logger *slog.Logger

	mu        sync.Mutex
	entities  map[string]entityInfo
	pending   map[string]pendingDelivery
	consumers map[string]*consumer
	pubCh     *amqp091.Channel
	closed    bool
}

// consumer owns one consuming channel and its delivery stream.
type consumer struct {
	ch         *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	prefetch   int
}

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithReconnect tunes the reconnect backoff and ceiling.
func WithReconnect(delay time.Duration, maxRetries int) Option {
	return func(t *Transport) {
		t.cm.reconnectDelay = delay
		t.cm.maxRetries = maxRetries
	}
}

// NewTransport connects to the broker at url.
func NewTransport(ctx context.Context, url string, options ...Option) (*Transport, error) {
	t := &Transport{
		cm:        newConnectionManager(url, 5*time.Second, 10, slog.Default()),
		logger:    slog.Default(),
		entities:  make(map[string]entityInfo),
		pending:   make(map[string]pendingDelivery),
		consumers: make(map[string]*consumer),
	}
	for _, opt := range options {
		opt(t)
	}
	t.cm.logger = t.logger

	if err := t.cm.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Send implements messaging.Broker.
func (t *Transport) Send(ctx context.Context, entity string, env *contracts.Envelope) error {
	kind, err := t.resolveKind(entity)
	if err != nil {
		return err
	}

	exchange, routingKey := "", entity
	switch kind {
	case kindTopic:
		exchange, routingKey = entity, ""
	case kindQueue:
		if topicName, subName, ok := strings.Cut(entity, "/"); ok {
			// Direct subscription injection bypasses fan-out.
			routingKey = subscriptionQueue(topicName, subName)
		}
	}
	return t.publish(ctx, exchange, routingKey, env)
}

// publish sends with publisher confirms: the broker has accepted the message
// when publish returns nil.
func (t *Transport) publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error {
	t.mu.Lock()
	if t.pubCh == nil {
		ch, err := t.cm.channel()
		if err != nil {
			t.mu.Unlock()
			return err
		}
		if err := ch.Confirm(false); err != nil {
			t.mu.Unlock()
			return &contracts.ConnectionError{Op: "confirm", Err: err}
		}
		t.pubCh = ch
	}
	ch := t.pubCh
	t.mu.Unlock()

	headers := amqp091.Table{}
	for k, v := range env.Attributes {
		headers[k] = v
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		MessageId:    env.ID,
		Timestamp:    time.Now().UTC(),
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp091.Persistent,
		Headers:      headers,
		Body:         env.Body,
	})
	if err != nil {
		t.dropPublishChannel(ch)
		return &contracts.ConnectionError{Op: "publish", Err: err}
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return &contracts.ConnectionError{Op: "publish", Err: fmt.Errorf("broker rejected message %s", env.ID)}
	}
	return nil
}

func (t *Transport) dropPublishChannel(ch *amqp091.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubCh == ch {
		t.pubCh = nil
	}
}

// ReceiveBatch implements messaging.Broker.
func (t *Transport) ReceiveBatch(ctx context.Context, entity messaging.Entity, maxCount int, maxWait time.Duration) ([]*contracts.Envelope, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("maxCount must be positive, got %d", maxCount)
	}
	queue := t.queueName(entity)
	cons, err := t.consumerFor(queue, maxCount)
	if err != nil {
		return nil, err
	}

	var batch []*contracts.Envelope
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for len(batch) < maxCount {
		if len(batch) > 0 {
			// Something is ready: only drain deliveries already buffered
			// instead of waiting out the full window for a full batch.
			select {
			case d, ok := <-cons.deliveries:
				if !ok {
					t.forgetConsumer(queue)
					return batch, nil
				}
				batch = append(batch, t.track(entity, d))
			default:
				return batch, nil
			}
			continue
		}

		select {
		case d, ok := <-cons.deliveries:
			if !ok {
				t.forgetConsumer(queue)
				return nil, &contracts.ConnectionError{Op: "receive", Err: fmt.Errorf("delivery channel closed")}
			}
			batch = append(batch, t.track(entity, d))
		case <-timer.C:
			return batch, nil
		case <-ctx.Done():
			return batch, ctx.Err()
		}
	}
	return batch, nil
}

// track registers the delivery under a fresh lock token and converts it to
// an envelope.
func (t *Transport) track(entity messaging.Entity, d amqp091.Delivery) *contracts.Envelope {
	token := uuid.New().String()

	attrs := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}

	env := &contracts.Envelope{
		ID:            d.MessageId,
		Body:          append([]byte(nil), d.Body...),
		Attributes:    attrs,
		EnqueueTime:   d.Timestamp,
		DeliveryCount: deliveryCount(d),
		LockToken:     token,
	}
	if opts, ok := t.optionsFor(entity.Name); ok {
		env.LockExpiry = time.Now().Add(opts.LockDuration)
	}

	t.mu.Lock()
	t.pending[token] = pendingDelivery{
		delivery: d,
		dlq:      t.queueName(messaging.Entity{Name: entity.Name, Subscription: entity.Subscription, DeadLetter: true}),
	}
	t.mu.Unlock()
	return env
}

// deliveryCount derives the attempt number from the broker's redelivery
// bookkeeping: quorum queues carry prior attempts in x-delivery-count.
func deliveryCount(d amqp091.Delivery) int {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int32:
			return int(n) + 1
		case int64:
			return int(n) + 1
		case float64:
			return int(n) + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// Complete implements messaging.Broker.
func (t *Transport) Complete(_ context.Context, lockToken string) error {
	p, err := t.takePending(lockToken)
	if err != nil {
		return err
	}
	if err := p.delivery.Ack(false); err != nil {
		return &contracts.ConnectionError{Op: "ack", Err: err}
	}
	return nil
}

// Abandon implements messaging.Broker.
func (t *Transport) Abandon(_ context.Context, lockToken string) error {
	p, err := t.takePending(lockToken)
	if err != nil {
		return err
	}
	if err := p.delivery.Nack(false, true); err != nil {
		return &contracts.ConnectionError{Op: "nack", Err: err}
	}
	return nil
}

// DeadLetter implements messaging.Broker. The message is republished to the
// companion dead-letter queue, then the original delivery is acked.
func (t *Transport) DeadLetter(ctx context.Context, lockToken, reason, description string) error {
	p, err := t.takePending(lockToken)
	if err != nil {
		return err
	}

	env := &contracts.Envelope{
		ID:   p.delivery.MessageId,
		Body: p.delivery.Body,
	}
	for k, v := range p.delivery.Headers {
		if s, ok := v.(string); ok {
			env.SetAttribute(k, s)
		}
	}
	env.SetAttribute(contracts.AttrDeadLetterReason, reason)
	if description != "" {
		env.SetAttribute(contracts.AttrDeadLetterDescription, description)
	}

	if err := t.publish(ctx, "", p.dlq, env); err != nil {
		// Not acked: the lease is still resolvable or will be redelivered.
		t.restorePending(lockToken, p)
		return err
	}
	if err := p.delivery.Ack(false); err != nil {
		return &contracts.ConnectionError{Op: "ack", Err: err}
	}
	return nil
}

// Stats implements messaging.Broker.
func (t *Transport) Stats(_ context.Context, entity messaging.Entity) (messaging.EntityStats, error) {
	ch, err := t.cm.channel()
	if err != nil {
		return messaging.EntityStats{}, err
	}
	defer ch.Close()

	active := t.queueName(messaging.Entity{Name: entity.Name, Subscription: entity.Subscription})
	q, err := ch.QueueDeclarePassive(active, true, false, false, false, nil)
	if err != nil {
		return messaging.EntityStats{}, fmt.Errorf("queue %s: %w", active, contracts.ErrEntityNotFound)
	}
	stats := messaging.EntityStats{ActiveDepth: q.Messages}

	// The passive declare error closed no channel here, but a missing DLQ
	// would; use a second channel for the companion queue.
	dlqCh, err := t.cm.channel()
	if err != nil {
		return messaging.EntityStats{}, err
	}
	defer dlqCh.Close()
	if dq, err := dlqCh.QueueDeclarePassive(active+deadLetterSuffix, true, false, false, false, nil); err == nil {
		stats.DeadLetterDepth = dq.Messages
	}
	return stats, nil
}

// Close implements messaging.Broker.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, c := range t.consumers {
		_ = c.ch.Close()
	}
	t.consumers = make(map[string]*consumer)
	if t.pubCh != nil {
		_ = t.pubCh.Close()
		t.pubCh = nil
	}
	t.mu.Unlock()
	return t.cm.close()
}

func (t *Transport) takePending(lockToken string) (pendingDelivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[lockToken]
	if !ok {
		return pendingDelivery{}, contracts.ErrLockLost
	}
	delete(t.pending, lockToken)
	return p, nil
}

func (t *Transport) restorePending(lockToken string, p pendingDelivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[lockToken] = p
}

// consumerFor returns the consuming channel for a queue, creating it with
// the first call's batch size as prefetch.
func (t *Transport) consumerFor(queue string, prefetch int) (*consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.consumers[queue]; ok {
		return c, nil
	}

	ch, err := t.cm.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, &contracts.ConnectionError{Op: "qos", Err: err}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &contracts.ConnectionError{Op: "consume", Err: err}
	}

	c := &consumer{ch: ch, deliveries: deliveries, prefetch: prefetch}
	t.consumers[queue] = c
	return c, nil
}

func (t *Transport) forgetConsumer(queue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, queue)
}

// queueName maps an entity to its backing AMQP queue.
func (t *Transport) queueName(entity messaging.Entity) string {
	name := entity.Name
	if entity.Subscription != "" {
		name = subscriptionQueue(entity.Name, entity.Subscription)
	}
	if entity.DeadLetter {
		name += deadLetterSuffix
	}
	return name
}

func subscriptionQueue(topic, subscription string) string {
	return topic + "." + subscription
}

func (t *Transport) resolveKind(entity string) (entityKind, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.entities[entity]; ok {
		return info.kind, nil
	}
	if topicName, _, ok := strings.Cut(entity, "/"); ok {
		if info, found := t.entities[topicName]; found && info.kind == kindTopic {
			return kindQueue, nil
		}
	}
	// Entities provisioned by another process are assumed to be queues;
	// topics must be declared through this handle to be addressable.
	return kindQueue, nil
}

func (t *Transport) optionsFor(name string) (messaging.EntityOptions, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.entities[name]
	return info.opts, ok
}
