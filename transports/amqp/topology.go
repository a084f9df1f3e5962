package amqp

import (
	"context"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/messaging"
)

// CreateQueue implements messaging.Broker. Queues are declared as quorum
// queues so the broker itself tracks delivery attempts (x-delivery-count)
// and moves messages past the ceiling to the companion ".dlq" queue through
// the default exchange.
func (t *Transport) CreateQueue(ctx context.Context, name string, opts messaging.EntityOptions) error {
	if name == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	opts = opts.WithDefaults()

	ch, err := t.cm.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareDeadLetterQueue(ch, name+deadLetterSuffix); err != nil {
		return err
	}

	args := amqp091.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          int32(opts.MaxDeliveryCount),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name + deadLetterSuffix,
		"x-dead-letter-strategy":    "at-least-once",
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return &contracts.ConnectionError{Op: "declare queue", Err: err}
	}

	t.mu.Lock()
	t.entities[name] = entityInfo{kind: kindQueue, opts: opts}
	t.mu.Unlock()
	t.logger.Info("queue provisioned", "queue", name, "maxDeliveryCount", opts.MaxDeliveryCount)
	return nil
}

// CreateTopic implements messaging.Broker. A topic is a fanout exchange;
// each subscription binds its own quorum queue to it.
func (t *Transport) CreateTopic(ctx context.Context, name string, opts messaging.EntityOptions) error {
	if name == "" {
		return fmt.Errorf("topic name must not be empty")
	}
	opts = opts.WithDefaults()

	ch, err := t.cm.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(name, "fanout", true, false, false, false, nil); err != nil {
		return &contracts.ConnectionError{Op: "declare exchange", Err: err}
	}

	t.mu.Lock()
	t.entities[name] = entityInfo{kind: kindTopic, opts: opts}
	t.mu.Unlock()
	t.logger.Info("topic provisioned", "topic", name)
	return nil
}

// CreateSubscription implements messaging.Broker. The subscription queue
// inherits the topic's delivery policy.
func (t *Transport) CreateSubscription(ctx context.Context, topic, name string) error {
	if topic == "" || name == "" {
		return fmt.Errorf("topic and subscription names must not be empty")
	}

	t.mu.Lock()
	info, ok := t.entities[topic]
	t.mu.Unlock()
	if !ok || info.kind != kindTopic {
		return fmt.Errorf("topic %s: %w", topic, contracts.ErrEntityNotFound)
	}
	opts := info.opts

	ch, err := t.cm.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	queue := subscriptionQueue(topic, name)
	if err := declareDeadLetterQueue(ch, queue+deadLetterSuffix); err != nil {
		return err
	}

	args := amqp091.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          int32(opts.MaxDeliveryCount),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + deadLetterSuffix,
		"x-dead-letter-strategy":    "at-least-once",
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return &contracts.ConnectionError{Op: "declare queue", Err: err}
	}
	if err := ch.QueueBind(queue, "", topic, false, nil); err != nil {
		return &contracts.ConnectionError{Op: "bind queue", Err: err}
	}

	t.mu.Lock()
	t.entities[topic+"/"+name] = entityInfo{kind: kindQueue, opts: opts}
	t.mu.Unlock()
	t.logger.Info("subscription provisioned", "topic", topic, "subscription", name)
	return nil
}

// declareDeadLetterQueue declares the companion dead-letter queue. Dead
// letters are held indefinitely until replayed or purged by an operator, so
// the queue carries no TTL or length cap.
func declareDeadLetterQueue(ch *amqp091.Channel, name string) error {
	args := amqp091.Table{"x-queue-type": "quorum"}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return &contracts.ConnectionError{Op: "declare dead-letter queue", Err: err}
	}
	return nil
}
