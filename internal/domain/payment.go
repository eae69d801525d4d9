package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationType is the ledger operation kind carried by a PaymentEvent.
type OperationType string

const (
	OperationPayment                  OperationType = "payment"
	OperationPathPaymentStrictReceive OperationType = "path_payment_strict_receive"
	OperationPathPaymentStrictSend    OperationType = "path_payment_strict_send"
	// OperationOther marks feed records that are not payments. They still carry a cursor.
	OperationOther OperationType = "other"
)

// PaymentEvent is one payment operation observed on the ledger feed.
type PaymentEvent struct {
	ID              string           `json:"id"`
	Cursor          Cursor           `json:"cursor"`
	Type            OperationType    `json:"type"`
	From            string           `json:"from"`
	To              string           `json:"to"`
	Amount          decimal.Decimal  `json:"amount"`
	Asset           Asset            `json:"asset"`
	SourceAmount    *decimal.Decimal `json:"source_amount,omitempty"`
	SourceAsset     *Asset           `json:"source_asset,omitempty"`
	Memo            Memo             `json:"memo"`
	TransactionHash string           `json:"transaction_hash"`
	Successful      bool             `json:"successful"`
	LedgerCloseTime time.Time        `json:"ledger_close_time"`
}

func (p PaymentEvent) IsPayment() bool {
	switch p.Type {
	case OperationPayment, OperationPathPaymentStrictReceive, OperationPathPaymentStrictSend:
		return true
	default:
		return false
	}
}
