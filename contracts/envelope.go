package contracts

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Well-known attribute keys stamped onto envelopes by the core.
const (
	// AttrReplayCount counts how many times a dead-lettered message has been
	// resubmitted to its active stream.
	AttrReplayCount = "x-replay-count"

	// AttrDeadLetterReason and AttrDeadLetterDescription record why a message
	// was moved to the dead-letter stream.
	AttrDeadLetterReason      = "x-deadletter-reason"
	AttrDeadLetterDescription = "x-deadletter-description"

	// AttrOriginEntity names the entity a replayed message was recovered from.
	AttrOriginEntity = "x-origin-entity"
)

// Envelope wraps a message payload with routing metadata and per-delivery
// state. Body and Attributes are set once by the sender; EnqueueTime,
// DeliveryCount, LockToken and LockExpiry are owned by the broker and
// reflect the state of the delivery attempt the envelope was received under.
type Envelope struct {
	ID            string            `json:"id"`
	Body          []byte            `json:"body"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	EnqueueTime   time.Time         `json:"enqueueTime"`
	DeliveryCount int               `json:"deliveryCount"`
	LockToken     string            `json:"lockToken,omitempty"`
	LockExpiry    time.Time         `json:"lockExpiry,omitempty"`
}

// NewEnvelope creates an envelope with a generated ID. EnqueueTime is left
// zero; the broker stamps it on accept.
func NewEnvelope(body []byte, attributes map[string]string) *Envelope {
	return &Envelope{
		ID:         uuid.New().String(),
		Body:       body,
		Attributes: copyAttributes(attributes),
	}
}

// Clone returns a deep copy of the envelope. Fan-out to topic subscriptions
// and replay resubmission both work on copies so that delivery state never
// leaks between streams.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Body = append([]byte(nil), e.Body...)
	clone.Attributes = copyAttributes(e.Attributes)
	return &clone
}

// ReplayCount returns the number of times this message has been replayed
// from a dead-letter stream. Missing or malformed attributes count as zero.
func (e *Envelope) ReplayCount() int {
	if e.Attributes == nil {
		return 0
	}
	n, err := strconv.Atoi(e.Attributes[AttrReplayCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetAttribute sets a single attribute, allocating the map if needed.
func (e *Envelope) SetAttribute(key, value string) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
}

func copyAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
