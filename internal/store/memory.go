package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-observer/internal/domain"
)

type outboxStatus string

const (
	outboxPending    outboxStatus = "pending"
	outboxProcessing outboxStatus = "processing"
	outboxDelivered  outboxStatus = "delivered"
	outboxDead       outboxStatus = "dead"
)

type memoryOutboxRow struct {
	entry             domain.OutboxEntry
	status            outboxStatus
	processingStarted time.Time
	lastError         string
}

// MemoryStore implements every store contract in process memory. It backs local runs
// without a database and the engine tests.
type MemoryStore struct {
	mu           sync.Mutex
	now          func() time.Time
	transactions map[uuid.UUID]domain.Transaction
	cursors      map[string]domain.Cursor
	outbox       map[uuid.UUID]*memoryOutboxRow
	deadLetters  map[uuid.UUID]domain.DeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          time.Now,
		transactions: make(map[uuid.UUID]domain.Transaction),
		cursors:      make(map[string]domain.Cursor),
		outbox:       make(map[uuid.UUID]*memoryOutboxRow),
		deadLetters:  make(map[uuid.UUID]domain.DeadLetter),
	}
}

// SetClock replaces the time source used for outbox staleness.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	tx.UpdatedAt = tx.CreatedAt
	s.transactions[tx.ID] = *tx
	return nil
}

func (s *MemoryStore) FindPendingByCorrelationKey(_ context.Context, key domain.CorrelationKey) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.Transaction
	for _, tx := range s.transactions {
		if tx.Account != key.Account || tx.Memo != key.Memo || tx.HasMatchedPayment() {
			continue
		}
		if !domain.AwaitsPayment(tx.Kind, tx.Status) {
			continue
		}
		if found == nil || tx.CreatedAt.Before(found.CreatedAt) {
			t := tx
			found = &t
		}
	}
	if found == nil {
		return nil, ErrTransactionNotFound
	}
	return found, nil
}

func (s *MemoryStore) FindByMatchedPaymentID(_ context.Context, paymentID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.transactions {
		if tx.HasMatchedPayment() && *tx.MatchedPaymentID == paymentID {
			t := tx
			return &t, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &tx, nil
}

func (s *MemoryStore) UpdateStatusAndAmounts(_ context.Context, id uuid.UUID, expectedVersion int64, update domain.StatusUpdate, event domain.StatusChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Version != expectedVersion || tx.HasMatchedPayment() {
		return ErrVersionConflict
	}
	for _, other := range s.transactions {
		if other.HasMatchedPayment() && *other.MatchedPaymentID == update.MatchedPaymentID {
			return ErrVersionConflict
		}
	}
	updatedAt := event.Transaction.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	s.transactions[id] = tx.Apply(update, updatedAt)
	if _, exists := s.outbox[event.EventID]; !exists {
		s.outbox[event.EventID] = &memoryOutboxRow{
			entry:  domain.OutboxEntry{Event: event, CreatedAt: s.now()},
			status: outboxPending,
		}
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, streamID string) (domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[streamID], nil
}

func (s *MemoryStore) Save(_ context.Context, streamID string, cursor domain.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor.After(s.cursors[streamID]) {
		s.cursors[streamID] = cursor
	}
	return nil
}

func (s *MemoryStore) ClaimUndelivered(_ context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := s.now()
	cutoff := now.Add(-time.Duration(staleAfterSeconds) * time.Second)

	var claimable []*memoryOutboxRow
	for _, row := range s.outbox {
		switch {
		case row.status == outboxPending && row.entry.CreatedAt.Before(cutoff):
			claimable = append(claimable, row)
		case row.status == outboxProcessing && row.processingStarted.Before(cutoff):
			claimable = append(claimable, row)
		}
	}
	sort.Slice(claimable, func(i, j int) bool {
		a, b := claimable[i].entry, claimable[j].entry
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Event.Sequence < b.Event.Sequence
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if len(claimable) > limit {
		claimable = claimable[:limit]
	}

	entries := make([]domain.OutboxEntry, 0, len(claimable))
	for _, row := range claimable {
		row.status = outboxProcessing
		row.processingStarted = now
		row.entry.Attempts++
		entries = append(entries, row.entry)
	}
	return entries, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[eventID]
	if !ok {
		return ErrOutboxEntryNotFound
	}
	row.status = outboxDelivered
	row.lastError = ""
	return nil
}

func (s *MemoryStore) MarkDead(_ context.Context, eventID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[eventID]
	if !ok {
		return ErrOutboxEntryNotFound
	}
	row.status = outboxDead
	row.lastError = reason
	return nil
}

// OutboxStatus reports the delivery state of an outbox event ("" when absent).
func (s *MemoryStore) OutboxStatus(eventID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[eventID]
	if !ok {
		return ""
	}
	return string(row.status)
}

func (s *MemoryStore) PutDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[dl.ID] = dl
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	letters := make([]domain.DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		letters = append(letters, dl)
	}
	sort.Slice(letters, func(i, j int) bool {
		return letters[i].DeadLetteredAt.After(letters[j].DeadLetteredAt)
	})
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

func (s *MemoryStore) GetDeadLetter(_ context.Context, id uuid.UUID) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	return &dl, nil
}

func (s *MemoryStore) DeleteDeadLetter(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return ErrDeadLetterNotFound
	}
	delete(s.deadLetters, id)
	return nil
}
