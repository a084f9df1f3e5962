// Package messaging implements the reliable delivery core: senders,
// lease-based (peek-lock) receivers, and the dead-letter replay engine, all
// operating against a Broker handle.
//
// Delivery is at-least-once. The broker owns lock state and delivery
// counts: each lease grant increments the delivery count exactly once, an
// unresolved lease is released at lock expiry, and a message whose count
// reaches the entity's MaxDeliveryCount is moved to its dead-letter
// sub-stream instead of being leased again. Consumers tolerate duplicates.
package messaging
