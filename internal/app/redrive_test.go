package app

import (
	"context"
	"testing"
	"time"

	"github.com/transfa/payment-observer/internal/domain"
	"github.com/transfa/payment-observer/internal/store"
)

func TestOutboxRedriverRepublishesUndeliveredEvents(t *testing.T) {
	s := store.NewMemoryStore()
	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, "42", "100")

	// The transition commits but the publisher rejects the event.
	r := NewReconciler(s, &recordingPublisher{err: domain.ErrQueueFull}, AmountMatchExact, nil)
	if _, err := r.Handle(context.Background(), incomingPayment("1001", "42", "100")); !domain.IsUnavailable(err) {
		t.Fatalf("expected backpressure, got %v", err)
	}

	pub := &recordingPublisher{}
	redriver := NewOutboxRedriver(s, pub, 10, 60, nil)

	n, err := redriver.Redrive(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected fresh entries to be left alone, got n=%d err=%v", n, err)
	}

	clock = clock.Add(2 * time.Minute)
	n, err = redriver.Redrive(context.Background())
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if n != 1 || len(pub.published()) != 1 {
		t.Fatalf("expected one republished event, got n=%d events=%d", n, len(pub.published()))
	}
	if got := pub.published()[0].NewStatus; got != domain.StatusPendingAnchor {
		t.Fatalf("expected pending_anchor event, got %s", got)
	}
}

func TestOutboxRedriverStopsOnFullQueue(t *testing.T) {
	s := store.NewMemoryStore()
	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	for i, memo := range []string{"1", "2"} {
		seedTransaction(t, s, domain.KindDeposit, domain.StatusPendingUserTransferStart, memo, "10")
		p := incomingPayment(string(rune('a'+i))+"-payment", memo, "10")
		if _, err := NewReconciler(s, &recordingPublisher{err: domain.ErrQueueFull}, AmountMatchExact, nil).Handle(context.Background(), p); err == nil {
			t.Fatal("expected backpressure error")
		}
	}
	clock = clock.Add(2 * time.Minute)

	n, err := NewOutboxRedriver(s, &recordingPublisher{err: domain.ErrQueueFull}, 10, 60, nil).Redrive(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected a quiet stop on full queue, got n=%d err=%v", n, err)
	}
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	s := store.NewMemoryStore()
	sched := NewScheduler(NewOutboxRedriver(s, &recordingPublisher{}, 10, 60, nil), "not a schedule", discardLogger())
	if err := sched.Start(); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := store.NewMemoryStore()
	sched := NewScheduler(NewOutboxRedriver(s, &recordingPublisher{}, 10, 60, nil), "@every 1h", discardLogger())
	if err := sched.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
