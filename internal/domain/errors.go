package domain

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned by the publisher when an event cannot be enqueued.
var ErrQueueFull = &UnavailableError{Reason: "event queue full"}

// TransientStreamError wraps a transport failure on the payment feed. The stream
// client reconnects after it.
type TransientStreamError struct {
	Cursor Cursor
	Err    error
}

func (e *TransientStreamError) Error() string {
	return fmt.Sprintf("payment stream interrupted at cursor %q: %v", e.Cursor, e.Err)
}

func (e *TransientStreamError) Unwrap() error { return e.Err }

// ReconciliationError means a payment could not be reconciled and its cursor must not
// advance.
type ReconciliationError struct {
	PaymentID string
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile payment %s: %v", e.PaymentID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// DeliveryError is one failed attempt to hand an event to a sink.
type DeliveryError struct {
	Sink    string
	EventID string
	Attempt int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver event %s to %s (attempt %d): %v", e.EventID, e.Sink, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// UnavailableError signals backpressure: the caller should pause and retry later.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return "unavailable: " + e.Reason
}

// FatalConfigError stops startup.
type FatalConfigError struct {
	Key    string
	Reason string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// IsUnavailable reports whether err carries backpressure.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
