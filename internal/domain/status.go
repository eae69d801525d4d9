package domain

import (
	"errors"
	"fmt"
)

// Status is the anchor transaction lifecycle state.
type Status string

const (
	StatusPendingUserTransferStart Status = "pending_user_transfer_start"
	StatusPendingAnchor            Status = "pending_anchor"
	StatusPendingExternal          Status = "pending_external"
	StatusPendingStellar           Status = "pending_stellar"
	StatusCompleted                Status = "completed"
	StatusError                    Status = "error"
	StatusRefunded                 Status = "refunded"
)

// Kind is the transaction direction recorded at creation.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// ErrInvalidTransition is returned when a payment cannot move a transaction forward.
var ErrInvalidTransition = errors.New("invalid status transition")

// IsTerminal reports whether the engine must never mutate a transaction in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingUserTransferStart, StatusPendingAnchor, StatusPendingExternal,
		StatusPendingStellar, StatusCompleted, StatusError, StatusRefunded:
		return true
	default:
		return false
	}
}

func (k Kind) Valid() bool {
	return k == KindDeposit || k == KindWithdrawal
}

// AwaitingPaymentStatus is the status a transaction of the given kind sits in while it
// waits for the observed payment.
func AwaitingPaymentStatus(kind Kind) (Status, bool) {
	switch kind {
	case KindDeposit:
		return StatusPendingUserTransferStart, true
	case KindWithdrawal:
		return StatusPendingStellar, true
	default:
		return "", false
	}
}

// AwaitsPayment reports whether a transaction of the given kind in status can be
// advanced by an observed payment.
func AwaitsPayment(kind Kind, status Status) bool {
	awaiting, ok := AwaitingPaymentStatus(kind)
	return ok && status == awaiting
}

// NextStatusOnPayment returns the single forward edge taken when a matching payment is
// observed. Deposits move from pending_user_transfer_start to pending_anchor; withdrawals
// complete their outgoing leg.
func NextStatusOnPayment(kind Kind, current Status) (Status, error) {
	if current.IsTerminal() {
		return "", fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
	}
	awaiting, ok := AwaitingPaymentStatus(kind)
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTransition, kind)
	}
	if current != awaiting {
		return "", fmt.Errorf("%w: %s transaction in %s does not await a payment", ErrInvalidTransition, kind, current)
	}
	switch kind {
	case KindDeposit:
		return StatusPendingAnchor, nil
	default:
		return StatusCompleted, nil
	}
}
