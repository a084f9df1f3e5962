// Package inmemory provides an in-process implementation of the broker
// contract. It is the authority tests exercise the delivery semantics
// against, and doubles as an embeddable broker for single-process setups.
// Nothing is persisted: a restart loses all messages.
package inmemory
