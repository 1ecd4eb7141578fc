package delivery

import "time"

// AttemptState is a DeliveryAttempt's position in its retry state
// machine (spec.md §3 DeliveryAttempt entity).
type AttemptState string

const (
	AttemptPending         AttemptState = "pending"
	AttemptInFlight        AttemptState = "in_flight"
	AttemptDelivered       AttemptState = "delivered"
	AttemptFailedRetryable AttemptState = "failed_retryable"
	AttemptFailedDead      AttemptState = "failed_dead"
)

func (s AttemptState) terminal() bool {
	return s == AttemptDelivered || s == AttemptFailedDead
}

// Attempt is one sink's delivery record for one execution.
type Attempt struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	SinkID      string       `json:"sink_id"`
	Attempt     int          `json:"attempt"`
	State       AttemptState `json:"state"`
	NextRetryAt time.Time    `json:"next_retry_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`

	// rev is the KV revision last observed for this row.
	rev uint64 `json:"-"`
}
