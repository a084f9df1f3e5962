package contracts

// OutcomeKind classifies the application's verdict on one delivery attempt.
type OutcomeKind int

const (
	// OutcomeSuccess completes the delivery and removes the message.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryableFailure abandons the lease so the message is
	// redelivered.
	OutcomeRetryableFailure
	// OutcomePermanentFailure dead-letters the message for manual or
	// replay intervention.
	OutcomePermanentFailure
)

// Outcome is the tagged result a message handler returns instead of
// signalling failure modes through error types. The receiver maps each
// variant deterministically to complete, abandon or dead-letter.
type Outcome struct {
	Kind        OutcomeKind
	Reason      string
	Description string
}

// Success reports a successfully processed delivery.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// RetryableFailure reports a transient processing failure. The message is
// abandoned and becomes immediately eligible for redelivery.
func RetryableFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryableFailure, Reason: reason}
}

// PermanentFailure reports a non-recoverable processing failure. The message
// is dead-lettered and tagged with reason and description.
func PermanentFailure(reason, description string) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Reason: reason, Description: description}
}
