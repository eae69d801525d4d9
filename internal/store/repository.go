/**
 * @description
 * This file defines the persistence contracts consumed by the reconciliation engine:
 * transaction lookup and versioned update, stream cursors, the event outbox and the
 * dead-letter store. Postgres, Redis and in-memory implementations live alongside.
 *
 * @dependencies
 * - github.com/google/uuid: Transaction, event and dead-letter identifiers.
 * - internal/domain: Domain models shared with the engine.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/transfa/payment-observer/internal/domain"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrVersionConflict     = errors.New("transaction version conflict")
	ErrDeadLetterNotFound  = errors.New("dead letter not found")
	ErrOutboxEntryNotFound = errors.New("outbox entry not found")
)

// TransactionRepository is the anchor transaction store as seen by the reconciler.
type TransactionRepository interface {
	// FindPendingByCorrelationKey returns the oldest transaction for the key that has not
	// recorded a payment yet and sits in the status its kind awaits a payment in, or
	// ErrTransactionNotFound.
	FindPendingByCorrelationKey(ctx context.Context, key domain.CorrelationKey) (*domain.Transaction, error)
	// FindByMatchedPaymentID returns the transaction a payment was already recorded against.
	FindByMatchedPaymentID(ctx context.Context, paymentID string) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// UpdateStatusAndAmounts writes the update only if the stored version still equals
	// expectedVersion, and enqueues the event in the outbox within the same database
	// transaction. Returns ErrVersionConflict when the version moved.
	UpdateStatusAndAmounts(ctx context.Context, id uuid.UUID, expectedVersion int64, update domain.StatusUpdate, event domain.StatusChangeEvent) error
}

// CursorStore persists the last fully processed position per stream. Save never moves a
// stored cursor backward; a stale save is ignored.
type CursorStore interface {
	Load(ctx context.Context, streamID string) (domain.Cursor, error)
	Save(ctx context.Context, streamID string, cursor domain.Cursor) error
}

// OutboxStore tracks events written alongside transitions until a sink has them.
type OutboxStore interface {
	ClaimUndelivered(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEntry, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkDead(ctx context.Context, eventID uuid.UUID, reason string) error
}

// DeadLetterStore keeps events that exhausted delivery to a sink.
type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, dl domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id uuid.UUID) error
}
