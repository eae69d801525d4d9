/**
 * @description
 * This file defines the anchor transaction model the reconciliation engine reads and
 * advances. Transactions are created by the surrounding anchor API before a payment is
 * expected; the engine only matches them to observed payments and records the result.
 *
 * @notes
 * - Amounts are decimals with seven fractional digits (one stroop), never floats.
 * - Version is the optimistic concurrency token checked on every write.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction maps to the `anchor_transactions` table.
type Transaction struct {
	ID                   uuid.UUID        `json:"id"`
	Kind                 Kind             `json:"kind"`
	Status               Status           `json:"status"`
	Account              string           `json:"account"`
	Memo                 Memo             `json:"memo"`
	AmountExpected       decimal.Decimal  `json:"amount_expected"`
	AmountInAsset        Asset            `json:"amount_in_asset"`
	AmountIn             *decimal.Decimal `json:"amount_in,omitempty"`
	AmountOut            *decimal.Decimal `json:"amount_out,omitempty"`
	AmountFee            *decimal.Decimal `json:"amount_fee,omitempty"`
	MatchedPaymentID     *string          `json:"matched_payment_id,omitempty"`
	StellarTransactionID *string          `json:"stellar_transaction_id,omitempty"`
	TransferReceivedAt   *time.Time       `json:"transfer_received_at,omitempty"`
	Version              int64            `json:"version"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// CorrelationKey associates an incoming payment with a pending transaction.
type CorrelationKey struct {
	Account string
	Memo    Memo
}

func (k CorrelationKey) String() string {
	return k.Account + "|" + string(k.Memo.Type) + ":" + k.Memo.Value
}

// StatusUpdate carries the fields the engine writes when a payment is matched.
type StatusUpdate struct {
	Status               Status
	AmountIn             decimal.Decimal
	AmountOut            *decimal.Decimal
	AmountFee            *decimal.Decimal
	MatchedPaymentID     string
	StellarTransactionID string
	TransferReceivedAt   time.Time
}

// HasMatchedPayment reports whether a payment was already recorded against the transaction.
func (t *Transaction) HasMatchedPayment() bool {
	return t.MatchedPaymentID != nil && *t.MatchedPaymentID != ""
}

// Apply returns a copy of the transaction with the update written and the version bumped.
func (t Transaction) Apply(u StatusUpdate, now time.Time) Transaction {
	amountIn := u.AmountIn
	paymentID := u.MatchedPaymentID
	stellarTxID := u.StellarTransactionID
	receivedAt := u.TransferReceivedAt

	t.Status = u.Status
	t.AmountIn = &amountIn
	if u.AmountOut != nil {
		out := *u.AmountOut
		t.AmountOut = &out
	}
	if u.AmountFee != nil {
		fee := *u.AmountFee
		t.AmountFee = &fee
	}
	t.MatchedPaymentID = &paymentID
	if stellarTxID != "" {
		t.StellarTransactionID = &stellarTxID
	}
	t.TransferReceivedAt = &receivedAt
	t.Version++
	t.UpdatedAt = now
	return t
}
