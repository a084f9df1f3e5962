// Package amqp backs the messaging broker contract with RabbitMQ.
//
// Queues and subscriptions are quorum queues with a server-side delivery
// limit: the broker increments x-delivery-count per redelivery and routes
// messages past the ceiling to a companion "<queue>.dlq" queue. Topics are
// fanout exchanges; each subscription owns an independent bound queue.
//
// The lease model is approximated by AMQP semantics. A lock token maps to an
// unacked delivery: Complete acks it, Abandon nacks it back onto the queue,
// and DeadLetter republishes to the companion queue before acking. Lock
// expiry is not a per-message timer here; an unresolved delivery returns to
// the queue when its consumer channel closes.
package amqp
