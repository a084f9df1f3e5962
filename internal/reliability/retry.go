package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/relaymq/relay-go/contracts"
)

// Policy decides whether a failed broker operation is attempted again and
// how long to wait first.
type Policy interface {
	// ShouldRetry determines if a retry should be attempted.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the retry ceiling.
	MaxAttempts() int
}

// ExponentialBackoff grows the delay geometrically up to MaxInterval.
// Only errors marked retryable (connection failures) are attempted again.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        attempts,
		Jitter:          true,
	}
}

// ShouldRetry implements Policy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Attempts || !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, e.nextDelay(attempt)
}

// MaxAttempts implements Policy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

func (e *ExponentialBackoff) nextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		// ±15% around the computed delay
		delay += (rand.Float64() - 0.5) * 0.3 * delay
	}
	return time.Duration(delay)
}

// FixedDelay retries at a constant interval.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, attempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: attempts}
}

// ShouldRetry implements Policy.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.Attempts || !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxAttempts implements Policy.
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// None never retries. Used where the broker is in-process and transport
// failures cannot occur.
type None struct{}

// ShouldRetry implements Policy.
func (None) ShouldRetry(int, error) (bool, time.Duration) { return false, 0 }

// MaxAttempts implements Policy.
func (None) MaxAttempts() int { return 0 }

// Retry runs fn until it succeeds, the policy gives up, or ctx is done.
// The last error is returned unmodified so callers can inspect it with
// errors.Is and errors.As.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
