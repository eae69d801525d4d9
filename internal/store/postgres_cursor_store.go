package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payment-observer/internal/domain"
)

// PostgresCursorStore keeps stream cursors in the stream_cursors table.
type PostgresCursorStore struct {
	db *pgxpool.Pool
}

func NewPostgresCursorStore(db *pgxpool.Pool) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (s *PostgresCursorStore) Load(ctx context.Context, streamID string) (domain.Cursor, error) {
	var cursor string
	err := s.db.QueryRow(ctx, `SELECT cursor FROM stream_cursors WHERE stream_id = $1`, streamID).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load cursor for %s: %w", streamID, err)
	}
	return domain.Cursor(cursor), nil
}

// Save upserts the cursor only when it is ahead of the stored position.
func (s *PostgresCursorStore) Save(ctx context.Context, streamID string, cursor domain.Cursor) error {
	position, ok := cursor.Position()
	if !ok {
		return fmt.Errorf("cursor %q for %s is not a stream position", cursor, streamID)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO stream_cursors (stream_id, cursor, position, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (stream_id) DO UPDATE
		SET cursor = EXCLUDED.cursor,
			position = EXCLUDED.position,
			updated_at = NOW()
		WHERE stream_cursors.position < EXCLUDED.position
	`, streamID, string(cursor), position)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", streamID, err)
	}
	return nil
}
