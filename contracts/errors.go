package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned by senders when a message body exceeds
	// the configured maximum. Never retried automatically.
	ErrPayloadTooLarge = errors.New("payload exceeds configured maximum size")

	// ErrLockLost is returned by resolution calls when the lock token has
	// expired or was already resolved. Recoverable: the message will be
	// redelivered or was already handled elsewhere.
	ErrLockLost = errors.New("lock token expired or already resolved")

	// ErrEntityNotFound is returned when an operation references a queue or
	// topic that was never provisioned.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrSubscriptionNotFound is returned when a topic exists but the named
	// subscription does not.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrReplayExhausted marks a dead-lettered message whose replay-count
	// ceiling was reached; it is routed to the permanent-failure sink
	// instead of being resubmitted.
	ErrReplayExhausted = errors.New("replay count ceiling reached")
)

// ConnectionError wraps a transport or authentication failure talking to the
// broker. Connection errors are retried with backoff; once retries exhaust
// they become fatal and propagate to the process boundary.
type ConnectionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("broker connection failed: %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("broker connection failed: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable marks connection errors as retryable for retry policies.
func (e *ConnectionError) IsRetryable() bool {
	return true
}

// IsRetryable reports whether err may be retried. Only errors that
// explicitly declare themselves retryable qualify; validation and
// lock-lifecycle errors never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}
