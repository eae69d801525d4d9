package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-observer/internal/domain"
)

func seedDeposit(t *testing.T, s *MemoryStore) domain.Transaction {
	t.Helper()
	tx := domain.Transaction{
		Kind:           domain.KindDeposit,
		Status:         domain.StatusPendingUserTransferStart,
		Account:        "GANCHOR",
		Memo:           domain.Memo{Type: domain.MemoTypeID, Value: "42"},
		AmountExpected: decimal.RequireFromString("100"),
		AmountInAsset:  domain.Asset{Code: "USDC", Issuer: "GISSUER"},
	}
	if err := s.CreateTransaction(context.Background(), &tx); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return tx
}

func matchUpdate(paymentID string) domain.StatusUpdate {
	return domain.StatusUpdate{
		Status:             domain.StatusPendingAnchor,
		AmountIn:           decimal.RequireFromString("100"),
		MatchedPaymentID:   paymentID,
		TransferReceivedAt: time.Now(),
	}
}

func TestMemoryCursorStoreIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, c := range []domain.Cursor{"100", "250", "120", "250", "99"} {
		if err := s.Save(ctx, "stream-a", c); err != nil {
			t.Fatalf("save %s: %v", c, err)
		}
	}
	got, err := s.Load(ctx, "stream-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "250" {
		t.Fatalf("expected cursor to stay at 250, got %s", got)
	}
	if other, _ := s.Load(ctx, "stream-b"); other != "" {
		t.Fatalf("expected empty cursor for unknown stream, got %s", other)
	}
}

func TestMemoryUpdateStatusAndAmountsChecksVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tx := seedDeposit(t, s)

	if err := s.UpdateStatusAndAmounts(ctx, tx.ID, tx.Version+1, matchUpdate("op-1"), domain.StatusChangeEvent{EventID: uuid.New()}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := s.UpdateStatusAndAmounts(ctx, tx.ID, tx.Version, matchUpdate("op-1"), domain.StatusChangeEvent{EventID: uuid.New()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateStatusAndAmounts(ctx, tx.ID, tx.Version+1, matchUpdate("op-2"), domain.StatusChangeEvent{EventID: uuid.New()}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected matched transaction to refuse a second payment, got %v", err)
	}

	stored, err := s.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.StatusPendingAnchor || stored.Version != tx.Version+1 {
		t.Fatalf("unexpected stored transaction: status=%s version=%d", stored.Status, stored.Version)
	}
	if _, err := s.FindPendingByCorrelationKey(ctx, domain.CorrelationKey{Account: tx.Account, Memo: tx.Memo}); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected matched transaction to leave the pending set, got %v", err)
	}
	byPayment, err := s.FindByMatchedPaymentID(ctx, "op-1")
	if err != nil || byPayment.ID != tx.ID {
		t.Fatalf("expected lookup by payment to find %s, got %+v (%v)", tx.ID, byPayment, err)
	}
}

func TestMemoryClaimUndeliveredHonoursStaleness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	tx := seedDeposit(t, s)
	eventID := uuid.New()
	if err := s.UpdateStatusAndAmounts(ctx, tx.ID, tx.Version, matchUpdate("op-1"), domain.StatusChangeEvent{EventID: eventID, Sequence: 1}); err != nil {
		t.Fatalf("update: %v", err)
	}

	claimed, err := s.ClaimUndelivered(ctx, 10, 30)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected fresh outbox rows to be left to the publisher, got %d", len(claimed))
	}

	now = now.Add(time.Minute)
	claimed, err = s.ClaimUndelivered(ctx, 10, 30)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Event.EventID != eventID {
		t.Fatalf("expected stale row to be claimed, got %+v", claimed)
	}
	if again, _ := s.ClaimUndelivered(ctx, 10, 30); len(again) != 0 {
		t.Fatalf("expected claimed row to be skipped until it goes stale, got %d", len(again))
	}

	if err := s.MarkDelivered(ctx, eventID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	now = now.Add(time.Hour)
	if again, _ := s.ClaimUndelivered(ctx, 10, 30); len(again) != 0 {
		t.Fatalf("expected delivered row to never be claimed, got %d", len(again))
	}
}

func TestMemoryDeadLetters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	dl := domain.DeadLetter{ID: uuid.New(), Sink: "webhook", Attempts: 3, LastError: "boom", DeadLetteredAt: time.Now()}

	if err := s.PutDeadLetter(ctx, dl); err != nil {
		t.Fatalf("put: %v", err)
	}
	letters, err := s.ListDeadLetters(ctx, 10)
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d (%v)", len(letters), err)
	}
	if err := s.DeleteDeadLetter(ctx, dl.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetDeadLetter(ctx, dl.ID); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("expected ErrDeadLetterNotFound, got %v", err)
	}
}
