// Package contracts defines the message envelope, handler outcomes and the
// error taxonomy shared by senders, receivers and transports.
package contracts
