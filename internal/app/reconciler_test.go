package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-observer/internal/domain"
	"github.com/transfa/payment-observer/internal/store"
)

const anchorAccount = "GANCHORDISTRIBUTIONACCOUNT"

var usdc = domain.Asset{Code: "USDC", Issuer: "GUSDCISSUER"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StatusChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(event domain.StatusChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []domain.StatusChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StatusChangeEvent(nil), p.events...)
}

func seedTransaction(t *testing.T, s *store.MemoryStore, kind domain.Kind, status domain.Status, memo string, amount string) domain.Transaction {
	t.Helper()
	tx := domain.Transaction{
		Kind:           kind,
		Status:         status,
		Account:        anchorAccount,
		Memo:           domain.Memo{Type: domain.MemoTypeID, Value: memo},
		AmountExpected: decimal.RequireFromString(amount),
		AmountInAsset:  usdc,
	}
	if err := s.CreateTransaction(context.Background(), &tx); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return tx
}

func incomingPayment(id, memo, amount string) domain.PaymentEvent {
	return domain.PaymentEvent{
		ID:              id,
		Cursor:          domain.Cursor(id),
		Type:            domain.OperationPayment,
		From:            "GSENDER",
		To:              anchorAccount,
		Amount:          decimal.RequireFromString(amount),
		Asset:           usdc,
		Memo:            domain.Memo{Type: domain.MemoTypeID, Value: memo},
		TransactionHash: "hash-" + id,
		Successful:      true,
		LedgerCloseTime: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func mustGet(t *testing.T, s *store.MemoryStore, id uuid.UUID) *domain.Transaction {
	t.Helper()
	tx, err := s.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	return tx
}

func TestReconcilerMatchesDepositAndEnqueuesOneEvent(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	r := NewReconciler(s, pub, AmountMatchExact, nil)
	t1 := seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

	res, err := r.Handle(context.Background(), incomingPayment("1001", "42", "100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeMatched || res.TransactionID != t1.ID {
		t.Fatalf("expected match on %s, got %+v", t1.ID, res)
	}

	stored := mustGet(t, s, t1.ID)
	if stored.Status != domain.StatusPendingAnchor {
		t.Fatalf("expected pending_anchor, got %s", stored.Status)
	}
	if stored.AmountIn == nil || !stored.AmountIn.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected amount_in 100, got %v", stored.AmountIn)
	}
	if stored.MatchedPaymentID == nil || *stored.MatchedPaymentID != "1001" {
		t.Fatalf("expected matched payment 1001, got %v", stored.MatchedPaymentID)
	}

	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].OldStatus != domain.StatusPendingUserTransferStart || events[0].NewStatus != domain.StatusPendingAnchor {
		t.Fatalf("unexpected transition %s -> %s", events[0].OldStatus, events[0].NewStatus)
	}
	if s.OutboxStatus(events[0].EventID) != "pending" {
		t.Fatalf("expected outbox row written with the transition, got %q", s.OutboxStatus(events[0].EventID))
	}
}

func TestReconcilerReplayIsDuplicate(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	r := NewReconciler(s, pub, AmountMatchExact, nil)
	t1 := seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")
	p1 := incomingPayment("1001", "42", "100")

	if _, err := r.Handle(context.Background(), p1); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	versionAfterFirst := mustGet(t, s, t1.ID).Version

	for i := 0; i < 3; i++ {
		res, err := r.Handle(context.Background(), p1)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if res.Outcome != OutcomeDuplicate || res.TransactionID != t1.ID {
			t.Fatalf("replay %d: expected duplicate, got %+v", i, res)
		}
	}
	if got := mustGet(t, s, t1.ID).Version; got != versionAfterFirst {
		t.Fatalf("expected no further writes, version moved %d -> %d", versionAfterFirst, got)
	}
	if n := len(pub.published()); n != 1 {
		t.Fatalf("expected exactly one event across replays, got %d", n)
	}
}

func TestReconcilerUnmatchedPaymentLeavesTransactionsUntouched(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	r := NewReconciler(s, pub, AmountMatchExact, nil)
	t1 := seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

	res, err := r.Handle(context.Background(), incomingPayment("2002", "43", "100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %+v", res)
	}
	if stored := mustGet(t, s, t1.ID); stored.Status != domain.StatusPendingUserTransferStart || stored.Version != t1.Version {
		t.Fatalf("expected T1 untouched, got status=%s version=%d", stored.Status, stored.Version)
	}
	if len(pub.published()) != 0 {
		t.Fatal("expected no events")
	}
}

func TestReconcilerMinimumThresholdBoundary(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		want   Outcome
	}{
		{"exactly at minimum", "100", OutcomeMatched},
		{"one stroop below", "99.9999999", OutcomeIgnored},
		{"above minimum", "250.5", OutcomeMatched},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			r := NewReconciler(s, &recordingPublisher{}, AmountMatchMinimum, nil)
			seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

			res, err := r.Handle(context.Background(), incomingPayment("3003", "42", tc.amount))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, res)
			}
		})
	}
}

func TestReconcilerExactModeRejectsOverpayment(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewReconciler(s, &recordingPublisher{}, AmountMatchExact, nil)
	seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

	res, err := r.Handle(context.Background(), incomingPayment("3004", "42", "100.0000001"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %+v", res)
	}
}

func TestReconcilerAssetMismatchIgnored(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewReconciler(s, &recordingPublisher{}, AmountMatchExact, nil)
	t1 := seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

	p := incomingPayment("4004", "42", "100")
	p.Asset = domain.Asset{Code: "USDC", Issuer: "GSOMEONEELSE"}
	res, err := r.Handle(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeIgnored || res.TransactionID != t1.ID {
		t.Fatalf("expected ignored against T1, got %+v", res)
	}
}

func TestReconcilerNeverTouchesTerminalTransactions(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusRefunded, domain.StatusError, domain.StatusPendingAnchor} {
		s := store.NewMemoryStore()
		pub := &recordingPublisher{}
		r := NewReconciler(s, pub, AmountMatchExact, nil)
		tx := seedTransaction(t, s, domain.KindDeposit, status, "42", "100")

		res, err := r.Handle(context.Background(), incomingPayment("5005", "42", "100"))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", status, err)
		}
		if res.Outcome != OutcomeIgnored {
			t.Fatalf("%s: expected ignored, got %+v", status, res)
		}
		if stored := mustGet(t, s, tx.ID); stored.Status != status || stored.Version != tx.Version {
			t.Fatalf("%s: expected transaction untouched, got %s v%d", status, stored.Status, stored.Version)
		}
		if len(pub.published()) != 0 {
			t.Fatalf("%s: expected no events", status)
		}
	}
}

func TestReconcilerMatchesPendingTransactionBehindStaleOneWithSameMemo(t *testing.T) {
	for _, stale := range []domain.Status{domain.StatusError, domain.StatusRefunded, domain.StatusPendingAnchor} {
		s := store.NewMemoryStore()
		base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
		s.SetClock(func() time.Time { return base })
		old := seedTransaction(t, s, domain.KindDeposit, stale, "42", "100")
		s.SetClock(func() time.Time { return base.Add(time.Minute) })
		pending := seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

		pub := &recordingPublisher{}
		r := NewReconciler(s, pub, AmountMatchExact, nil)
		res, err := r.Handle(context.Background(), incomingPayment("101", "42", "100"))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", stale, err)
		}
		if res.Outcome != OutcomeMatched || res.TransactionID != pending.ID {
			t.Fatalf("%s: expected pending transaction %s to match, got %+v", stale, pending.ID, res)
		}
		if stored := mustGet(t, s, old.ID); stored.Status != stale || stored.Version != old.Version {
			t.Fatalf("%s: expected older transaction untouched, got %s v%d", stale, stored.Status, stored.Version)
		}
		if len(pub.published()) != 1 {
			t.Fatalf("%s: expected one event, got %d", stale, len(pub.published()))
		}
	}
}

func TestReconcilerCompletesWithdrawalOutgoingLeg(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewReconciler(s, &recordingPublisher{}, AmountMatchExact, nil)
	tx := seedTransaction(t, s, domain.KindWithdrawal, domain.StatusPendingStellar, "77", "25")

	res, err := r.Handle(context.Background(), incomingPayment("6006", "77", "25"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeMatched {
		t.Fatalf("expected match, got %+v", res)
	}
	stored := mustGet(t, s, tx.ID)
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.AmountOut == nil || !stored.AmountOut.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("expected amount_out 25, got %v", stored.AmountOut)
	}
}

func TestReconcilerSkipsFailedAndUnsupportedPayments(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewReconciler(s, &recordingPublisher{}, AmountMatchExact, nil)
	seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

	failed := incomingPayment("7001", "42", "100")
	failed.Successful = false
	returned := incomingPayment("7002", "42", "100")
	returned.Memo = domain.Memo{Type: domain.MemoTypeReturn, Value: "abc"}
	noMemo := incomingPayment("7003", "42", "100")
	noMemo.Memo = domain.Memo{Type: domain.MemoTypeNone}
	other := domain.PaymentEvent{ID: "7004", Cursor: "7004", Type: domain.OperationOther}

	for _, p := range []domain.PaymentEvent{failed, returned, noMemo, other} {
		res, err := r.Handle(context.Background(), p)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", p.ID, err)
		}
		if res.Outcome != OutcomeIgnored {
			t.Fatalf("%s: expected ignored, got %+v", p.ID, res)
		}
	}
}

type conflictingRepo struct {
	store.TransactionRepository
	conflicts int
	calls     int
}

func (r *conflictingRepo) UpdateStatusAndAmounts(ctx context.Context, id uuid.UUID, expectedVersion int64, update domain.StatusUpdate, event domain.StatusChangeEvent) error {
	r.calls++
	if r.calls <= r.conflicts {
		return store.ErrVersionConflict
	}
	return r.TransactionRepository.UpdateStatusAndAmounts(ctx, id, expectedVersion, update, event)
}

func TestReconcilerRereadsOnVersionConflict(t *testing.T) {
	s := store.NewMemoryStore()
	repo := &conflictingRepo{TransactionRepository: s, conflicts: 2}
	r := NewReconciler(repo, &recordingPublisher{}, AmountMatchExact, nil)
	seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

	res, err := r.Handle(context.Background(), incomingPayment("8008", "42", "100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeMatched || repo.calls != 3 {
		t.Fatalf("expected match on third write, got %+v after %d writes", res, repo.calls)
	}
}

func TestReconcilerGivesUpAfterPersistentConflicts(t *testing.T) {
	s := store.NewMemoryStore()
	repo := &conflictingRepo{TransactionRepository: s, conflicts: 100}
	r := NewReconciler(repo, &recordingPublisher{}, AmountMatchExact, nil)
	seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

	_, err := r.Handle(context.Background(), incomingPayment("8009", "42", "100"))
	var recErr *domain.ReconciliationError
	if !errors.As(err, &recErr) || !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ReconciliationError wrapping a conflict, got %v", err)
	}
}

type failingLookupRepo struct {
	store.TransactionRepository
}

func (failingLookupRepo) FindByMatchedPaymentID(context.Context, string) (*domain.Transaction, error) {
	return nil, errors.New("connection refused")
}

func TestReconcilerRepositoryFailureIsReconciliationError(t *testing.T) {
	r := NewReconciler(failingLookupRepo{TransactionRepository: store.NewMemoryStore()}, &recordingPublisher{}, AmountMatchExact, nil)

	_, err := r.Handle(context.Background(), incomingPayment("9009", "42", "100"))
	var recErr *domain.ReconciliationError
	if !errors.As(err, &recErr) || recErr.PaymentID != "9009" {
		t.Fatalf("expected ReconciliationError for 9009, got %v", err)
	}
}

func TestReconcilerFullQueueSurfacesBackpressureAndReplayIsDuplicate(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{err: domain.ErrQueueFull}
	r := NewReconciler(s, pub, AmountMatchExact, nil)
	t1 := seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")
	p1 := incomingPayment("1001", "42", "100")

	_, err := r.Handle(context.Background(), p1)
	if !domain.IsUnavailable(err) {
		t.Fatalf("expected backpressure error, got %v", err)
	}
	var recErr *domain.ReconciliationError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected ReconciliationError, got %T", err)
	}

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	res, err := r.Handle(context.Background(), p1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != OutcomeDuplicate || res.TransactionID != t1.ID {
		t.Fatalf("expected duplicate on replay, got %+v", res)
	}
	if mustGet(t, s, t1.ID).Status != domain.StatusPendingAnchor {
		t.Fatal("expected the committed transition to survive the publish failure")
	}
}

func TestReconcilerConcurrentDeliveriesAdvanceOnce(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	r := NewReconciler(s, pub, AmountMatchExact, nil)
	seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")
	p1 := incomingPayment("1001", "42", "100")

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Handle(context.Background(), p1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	matched := 0
	for o := range outcomes {
		if o == OutcomeMatched {
			matched++
		} else if o != OutcomeDuplicate {
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if matched != 1 || len(pub.published()) != 1 {
		t.Fatalf("expected one match and one event, got %d matches and %d events", matched, len(pub.published()))
	}
	if r.locks.size() != 0 {
		t.Fatalf("expected key locks to be released, %d remain", r.locks.size())
	}
}
