package domain

import (
	"encoding/json"
	"time"
)

// Reasons recorded on dead-lettered deliveries.
const (
	// DLQReasonInvalidSchema marks payloads that failed envelope or topic
	// schema validation. These are never retried.
	DLQReasonInvalidSchema = "INVALID_EVENT_SCHEMA"
	// DLQReasonMaxDeliveries marks payloads whose handler kept failing until
	// the delivery budget ran out.
	DLQReasonMaxDeliveries = "MAX_DELIVERIES_EXCEEDED"
)

// Delivery is one bus message as seen by a consumer: the raw payload plus
// transport position and the attempt counter carried across redeliveries.
type Delivery struct {
	Topic      string
	Key        string
	Payload    []byte
	Attempt    int
	Partition  int32
	Offset     int64
	ReceivedAt time.Time
}

// RetryPolicy is the exponential redelivery schedule applied to failing
// handlers before a delivery is dead-lettered.
type RetryPolicy struct {
	// MaxDeliveries counts the first delivery plus redeliveries.
	MaxDeliveries int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	Multiplier    float64
}

// DefaultRetryPolicy returns the stock schedule: five deliveries with
// backoff doubling from one second up to a five minute cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxDeliveries: 5,
		MinBackoff:    1 * time.Second,
		MaxBackoff:    300 * time.Second,
		Multiplier:    2.0,
	}
}

// Delay returns the pause before redelivering a message that has already
// been delivered attempt times. The first retry waits MinBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.MinBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Exhausted reports whether a delivery that has been attempted the given
// number of times has used up its budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxDeliveries
}

// DeadLetter wraps an undeliverable message for its DLQ topic. Payload is
// kept verbatim so operators can inspect and requeue it.
type DeadLetter struct {
	Topic          string          `json:"topic"`
	Key            string          `json:"key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Reason         string          `json:"reason"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
	// Requeueable is false for schema violations, which would only fail
	// validation again.
	Requeueable bool `json:"requeueable"`
}
