/**
 * @description
 * This file provides the PostgreSQL implementation of the transaction repository, the
 * event outbox and the dead-letter store.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Numeric columns are read and written as text so decimals keep all seven fractional
 *   digits without going through floats.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-observer/internal/domain"
)

const transactionColumns = `
	id, kind, status, account, memo_type, memo,
	amount_expected::text, amount_in_asset, amount_in::text, amount_out::text, amount_fee::text,
	matched_payment_id, stellar_transaction_id, transfer_received_at,
	version, created_at, updated_at`

// PostgresRepository is the PostgreSQL implementation of TransactionRepository,
// OutboxStore and DeadLetterStore.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateTransaction inserts an anchor transaction. The anchor API owns creation; the
// engine and its tests use this to seed pending transactions.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	query := `
		INSERT INTO anchor_transactions (
			id, kind, status, account, memo_type, memo, amount_expected, amount_in_asset, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9)
		RETURNING created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		tx.ID, string(tx.Kind), string(tx.Status), tx.Account, string(tx.Memo.Type), tx.Memo.Value,
		tx.AmountExpected.String(), tx.AmountInAsset.String(), tx.Version,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create anchor transaction: %w", err)
	}
	return nil
}

// FindPendingByCorrelationKey retrieves the oldest unmatched transaction for the key
// that is still waiting for its payment.
func (r *PostgresRepository) FindPendingByCorrelationKey(ctx context.Context, key domain.CorrelationKey) (*domain.Transaction, error) {
	depositStatus, _ := domain.AwaitingPaymentStatus(domain.KindDeposit)
	withdrawalStatus, _ := domain.AwaitingPaymentStatus(domain.KindWithdrawal)
	query := `SELECT ` + transactionColumns + `
		FROM anchor_transactions
		WHERE account = $1 AND memo_type = $2 AND memo = $3 AND matched_payment_id IS NULL
		  AND ((kind = $4 AND status = $5) OR (kind = $6 AND status = $7))
		ORDER BY created_at ASC
		LIMIT 1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query,
		key.Account, string(key.Memo.Type), key.Memo.Value,
		string(domain.KindDeposit), string(depositStatus),
		string(domain.KindWithdrawal), string(withdrawalStatus),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindByMatchedPaymentID retrieves the transaction a payment was recorded against.
func (r *PostgresRepository) FindByMatchedPaymentID(ctx context.Context, paymentID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM anchor_transactions WHERE matched_payment_id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// GetTransaction retrieves a transaction by id.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM anchor_transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// UpdateStatusAndAmounts performs the versioned update and the outbox insert atomically.
func (r *PostgresRepository) UpdateStatusAndAmounts(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	update domain.StatusUpdate,
	event domain.StatusChangeEvent,
) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE anchor_transactions
		SET status = $3,
			amount_in = $4::numeric,
			amount_out = COALESCE($5::numeric, amount_out),
			amount_fee = COALESCE($6::numeric, amount_fee),
			matched_payment_id = $7,
			stellar_transaction_id = NULLIF($8, ''),
			transfer_received_at = $9,
			version = version + 1,
			updated_at = $10
		WHERE id = $1 AND version = $2 AND matched_payment_id IS NULL`,
		id, expectedVersion, string(update.Status), update.AmountIn.String(),
		decimalText(update.AmountOut), decimalText(update.AmountFee),
		update.MatchedPaymentID, update.StellarTransactionID, update.TransferReceivedAt,
		event.Transaction.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to update anchor transaction: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM anchor_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrVersionConflict
	}

	if err := enqueueEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, event domain.StatusChangeEvent) error {
	blob, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (event_id, transaction_id, sequence, payload)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.TransactionID, event.Sequence, string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimUndelivered marks pending or stuck outbox rows as processing and returns them in
// creation order.
func (r *PostgresRepository) ClaimUndelivered(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 60
	}

	query := `
		WITH candidates AS (
			SELECT event_id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND created_at < NOW() - ($2 * INTERVAL '1 second'))
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at, sequence
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.event_id = candidates.event_id
		RETURNING o.payload::text, o.created_at, o.attempts
	`
	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.OutboxEntry, 0, limit)
	for rows.Next() {
		var (
			entry       domain.OutboxEntry
			payloadText string
		)
		if err := rows.Scan(&payloadText, &entry.CreatedAt, &entry.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadText), &entry.Event); err != nil {
			return nil, fmt.Errorf("decode outbox payload: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'delivered',
			delivered_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE event_id = $1
	`, eventID)
	return err
}

func (r *PostgresRepository) MarkDead(ctx context.Context, eventID uuid.UUID, reason string) error {
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'dead',
			processing_started_at = NULL,
			last_error = $2
		WHERE event_id = $1
	`, eventID, reason)
	return err
}

func (r *PostgresRepository) PutDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	blob, err := json.Marshal(dl.Event)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO event_dead_letters (id, sink, event_id, payload, attempts, last_error, dead_lettered_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
	`, dl.ID, dl.Sink, dl.Event.EventID, string(blob), dl.Attempts, dl.LastError, dl.DeadLetteredAt)
	if err != nil {
		return fmt.Errorf("failed to store dead letter: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, sink, payload::text, attempts, last_error, dead_lettered_at
		FROM event_dead_letters
		ORDER BY dead_lettered_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, *dl)
	}
	return letters, rows.Err()
}

func (r *PostgresRepository) GetDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error) {
	dl, err := scanDeadLetter(r.db.QueryRow(ctx, `
		SELECT id, sink, payload::text, attempts, last_error, dead_lettered_at
		FROM event_dead_letters
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeadLetterNotFound
		}
		return nil, err
	}
	return dl, nil
}

func (r *PostgresRepository) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM event_dead_letters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx                                   domain.Transaction
		kind, status, memoType, assetText    string
		amountExpected                       string
		amountIn, amountOut, amountFee       *string
		matchedPaymentID, stellarTransaction *string
		receivedAt                           *time.Time
	)
	err := row.Scan(
		&tx.ID, &kind, &status, &tx.Account, &memoType, &tx.Memo.Value,
		&amountExpected, &assetText, &amountIn, &amountOut, &amountFee,
		&matchedPaymentID, &stellarTransaction, &receivedAt,
		&tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Kind = domain.Kind(kind)
	tx.Status = domain.Status(status)
	tx.Memo.Type = domain.MemoType(memoType)
	tx.MatchedPaymentID = matchedPaymentID
	tx.StellarTransactionID = stellarTransaction
	tx.TransferReceivedAt = receivedAt

	if tx.AmountExpected, err = decimal.NewFromString(amountExpected); err != nil {
		return nil, fmt.Errorf("decode amount_expected: %w", err)
	}
	if tx.AmountInAsset, err = domain.ParseAsset(assetText); err != nil {
		return nil, fmt.Errorf("decode amount_in_asset: %w", err)
	}
	if tx.AmountIn, err = parseOptionalDecimal(amountIn); err != nil {
		return nil, err
	}
	if tx.AmountOut, err = parseOptionalDecimal(amountOut); err != nil {
		return nil, err
	}
	if tx.AmountFee, err = parseOptionalDecimal(amountFee); err != nil {
		return nil, err
	}
	return &tx, nil
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var (
		dl          domain.DeadLetter
		payloadText string
	)
	if err := row.Scan(&dl.ID, &dl.Sink, &payloadText, &dl.Attempts, &dl.LastError, &dl.DeadLetteredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadText), &dl.Event); err != nil {
		return nil, fmt.Errorf("decode dead letter payload: %w", err)
	}
	return &dl, nil
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", *s, err)
	}
	return &d, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
