package domain

import (
	"time"

	"github.com/google/uuid"
)

const EventTypeStatusChanged = "transaction_status_changed"

// eventNamespace scopes the deterministic event ids.
var eventNamespace = uuid.MustParse("6f2b3c1e-5d0a-4e8b-9c47-2a1f6d8e9b30")

// StatusChangeEvent is published once for every transition the engine performs.
type StatusChangeEvent struct {
	EventID       uuid.UUID    `json:"event_id"`
	EventType     string       `json:"event_type"`
	TransactionID uuid.UUID    `json:"transaction_id"`
	Sequence      int64        `json:"sequence"`
	OldStatus     Status       `json:"old_status"`
	NewStatus     Status       `json:"new_status"`
	OccurredAt    time.Time    `json:"occurred_at"`
	Transaction   Transaction  `json:"transaction"`
	Payment       PaymentEvent `json:"payment"`
}

// NewStatusChangeEvent builds the event for a transition. The event id is derived from
// the transaction id, the payment id and the new status so a replayed payment maps to
// the same event.
func NewStatusChangeEvent(before, after Transaction, payment PaymentEvent, at time.Time) StatusChangeEvent {
	return StatusChangeEvent{
		EventID:       uuid.NewSHA1(eventNamespace, []byte(after.ID.String()+"/"+payment.ID+"/"+string(after.Status))),
		EventType:     EventTypeStatusChanged,
		TransactionID: after.ID,
		Sequence:      after.Version,
		OldStatus:     before.Status,
		NewStatus:     after.Status,
		OccurredAt:    at.UTC(),
		Transaction:   after,
		Payment:       payment,
	}
}

// DeadLetter records an event that exhausted its delivery attempts to one sink.
type DeadLetter struct {
	ID             uuid.UUID         `json:"id"`
	Sink           string            `json:"sink"`
	Event          StatusChangeEvent `json:"event"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error"`
	DeadLetteredAt time.Time         `json:"dead_lettered_at"`
}

// OutboxEntry is a persisted event awaiting delivery.
type OutboxEntry struct {
	Event     StatusChangeEvent
	CreatedAt time.Time
	Attempts  int
}
