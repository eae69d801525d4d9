/**
 * @description
 * The Reconciler matches observed ledger payments to pending anchor transactions and
 * performs the single status transition a payment is allowed to cause.
 *
 * @notes
 * - Work is serialized per correlation key in process; the repository's version check
 *   guards against writers outside this process.
 * - A payment already recorded against a transaction is a Duplicate, never an error.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-observer/internal/domain"
	"github.com/transfa/payment-observer/internal/store"
)

type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is the outcome of reconciling one payment.
type Result struct {
	Outcome       Outcome
	TransactionID uuid.UUID
	Reason        string
}

// AmountMatchMode selects how a payment amount is compared to the expected amount.
type AmountMatchMode string

const (
	AmountMatchExact   AmountMatchMode = "exact"
	AmountMatchMinimum AmountMatchMode = "minimum"
)

const defaultConflictRetries = 3

// EventPublisher accepts status-change events for asynchronous delivery.
type EventPublisher interface {
	Publish(event domain.StatusChangeEvent) error
}

// PaymentHandler is what a stream worker hands each payment to.
type PaymentHandler interface {
	Handle(ctx context.Context, payment domain.PaymentEvent) (Result, error)
}

type Reconciler struct {
	repo            store.TransactionRepository
	publisher       EventPublisher
	mode            AmountMatchMode
	conflictRetries int
	locks           *keyedLock
	logger          *slog.Logger
	now             func() time.Time
}

func NewReconciler(repo store.TransactionRepository, publisher EventPublisher, mode AmountMatchMode, logger *slog.Logger) *Reconciler {
	if mode != AmountMatchMinimum {
		mode = AmountMatchExact
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{
		repo:            repo,
		publisher:       publisher,
		mode:            mode,
		conflictRetries: defaultConflictRetries,
		locks:           newKeyedLock(),
		logger:          logger,
		now:             time.Now,
	}
}

func ignored(reason string) Result {
	return Result{Outcome: OutcomeIgnored, Reason: reason}
}

// Handle reconciles one payment. A non-nil error means nothing may be assumed about the
// payment and the caller must not advance its cursor.
func (r *Reconciler) Handle(ctx context.Context, payment domain.PaymentEvent) (Result, error) {
	if !payment.IsPayment() {
		return ignored("not a payment operation"), nil
	}
	if !payment.Successful {
		return ignored("ledger transaction failed"), nil
	}
	memo, err := payment.Memo.Normalize()
	if err != nil {
		return ignored(err.Error()), nil
	}

	key := domain.CorrelationKey{Account: payment.To, Memo: memo}
	unlock := r.locks.Lock(key.String())
	defer unlock()

	if res, done, err := r.checkDuplicate(ctx, payment); done || err != nil {
		return res, err
	}

	for attempt := 1; attempt <= r.conflictRetries; attempt++ {
		res, err := r.tryMatch(ctx, key, payment)
		if err == nil {
			r.logResult(payment, res)
			return res, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return Result{}, &domain.ReconciliationError{PaymentID: payment.ID, Err: err}
		}

		r.logger.Warn("transaction changed while matching payment; re-reading",
			"payment_id", payment.ID, "attempt", attempt)
		if res, done, err := r.checkDuplicate(ctx, payment); done || err != nil {
			return res, err
		}
	}
	return Result{}, &domain.ReconciliationError{
		PaymentID: payment.ID,
		Err:       fmt.Errorf("gave up after %d conflicting writes: %w", r.conflictRetries, store.ErrVersionConflict),
	}
}

func (r *Reconciler) checkDuplicate(ctx context.Context, payment domain.PaymentEvent) (Result, bool, error) {
	tx, err := r.repo.FindByMatchedPaymentID(ctx, payment.ID)
	switch {
	case err == nil:
		res := Result{Outcome: OutcomeDuplicate, TransactionID: tx.ID, Reason: "payment already recorded"}
		r.logResult(payment, res)
		return res, true, nil
	case errors.Is(err, store.ErrTransactionNotFound):
		return Result{}, false, nil
	default:
		return Result{}, true, &domain.ReconciliationError{PaymentID: payment.ID, Err: fmt.Errorf("lookup by payment: %w", err)}
	}
}

// tryMatch evaluates the matching rules against the current candidate and writes the
// transition. Errors other than ErrVersionConflict are final for this delivery.
func (r *Reconciler) tryMatch(ctx context.Context, key domain.CorrelationKey, payment domain.PaymentEvent) (Result, error) {
	tx, err := r.repo.FindPendingByCorrelationKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return ignored("no pending transaction for correlation key"), nil
		}
		return Result{}, fmt.Errorf("lookup pending transaction: %w", err)
	}
	if tx.HasMatchedPayment() {
		if *tx.MatchedPaymentID == payment.ID {
			return Result{Outcome: OutcomeDuplicate, TransactionID: tx.ID, Reason: "payment already recorded"}, nil
		}
		return Result{Outcome: OutcomeIgnored, TransactionID: tx.ID, Reason: "transaction already matched another payment"}, nil
	}

	next, err := domain.NextStatusOnPayment(tx.Kind, tx.Status)
	if err != nil {
		return Result{Outcome: OutcomeIgnored, TransactionID: tx.ID, Reason: err.Error()}, nil
	}
	if !payment.Asset.Equal(tx.AmountInAsset) {
		return Result{
			Outcome:       OutcomeIgnored,
			TransactionID: tx.ID,
			Reason:        fmt.Sprintf("asset %s does not match expected %s", payment.Asset, tx.AmountInAsset),
		}, nil
	}
	if !r.amountMatches(payment.Amount, tx.AmountExpected) {
		return Result{
			Outcome:       OutcomeIgnored,
			TransactionID: tx.ID,
			Reason:        fmt.Sprintf("amount %s does not satisfy %s match of %s", payment.Amount, r.mode, tx.AmountExpected),
		}, nil
	}

	now := r.now().UTC()
	update := buildUpdate(*tx, next, payment, now)
	after := tx.Apply(update, now)
	event := domain.NewStatusChangeEvent(*tx, after, payment, now)

	if err := r.repo.UpdateStatusAndAmounts(ctx, tx.ID, tx.Version, update, event); err != nil {
		return Result{}, err
	}

	res := Result{Outcome: OutcomeMatched, TransactionID: tx.ID}
	if err := r.publisher.Publish(event); err != nil {
		// The transition and its outbox row are committed. The replay of this payment
		// resolves to Duplicate and the outbox redrive delivers the event.
		return res, fmt.Errorf("enqueue status event for %s: %w", tx.ID, err)
	}
	return res, nil
}

func buildUpdate(tx domain.Transaction, next domain.Status, payment domain.PaymentEvent, now time.Time) domain.StatusUpdate {
	receivedAt := payment.LedgerCloseTime
	if receivedAt.IsZero() {
		receivedAt = now
	}
	update := domain.StatusUpdate{
		Status:               next,
		MatchedPaymentID:     payment.ID,
		StellarTransactionID: payment.TransactionHash,
		TransferReceivedAt:   receivedAt,
	}
	switch tx.Kind {
	case domain.KindWithdrawal:
		// The observed payment is the outgoing leg.
		amountOut := payment.Amount
		update.AmountOut = &amountOut
		update.AmountIn = tx.AmountExpected
		if tx.AmountIn != nil {
			update.AmountIn = *tx.AmountIn
		}
	default:
		update.AmountIn = payment.Amount
	}
	return update
}

func (r *Reconciler) amountMatches(paid, expected decimal.Decimal) bool {
	if r.mode == AmountMatchMinimum {
		return paid.GreaterThanOrEqual(expected)
	}
	return paid.Equal(expected)
}

func (r *Reconciler) logResult(payment domain.PaymentEvent, res Result) {
	attrs := []any{
		"payment_id", payment.ID,
		"cursor", string(payment.Cursor),
		"outcome", string(res.Outcome),
	}
	if res.TransactionID != uuid.Nil {
		attrs = append(attrs, "transaction_id", res.TransactionID.String())
	}
	if res.Reason != "" {
		attrs = append(attrs, "reason", res.Reason)
	}
	switch res.Outcome {
	case OutcomeMatched:
		r.logger.Info("payment matched", attrs...)
	case OutcomeDuplicate:
		r.logger.Info("duplicate payment skipped", attrs...)
	default:
		if res.TransactionID != uuid.Nil {
			r.logger.Warn("payment did not satisfy matching rules", attrs...)
			return
		}
		r.logger.Debug("payment ignored", attrs...)
	}
}
