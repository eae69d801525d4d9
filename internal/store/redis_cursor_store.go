package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/payment-observer/internal/domain"
)

// Stores the cursor only when its position is greater than the stored one. Returns 1
// when the value was written.
var saveCursorIfAheadScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "position")
if current and tonumber(current) >= tonumber(ARGV[2]) then
  return 0
end
redis.call("HSET", KEYS[1], "cursor", ARGV[1], "position", ARGV[2])
return 1
`)

// RedisCursorStore keeps stream cursors in Redis hashes.
type RedisCursorStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCursorStore(client redis.UniversalClient, prefix string) *RedisCursorStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "payment_observer:cursor"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisCursorStore{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (s *RedisCursorStore) key(streamID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, strings.TrimSpace(streamID))
}

func (s *RedisCursorStore) Load(ctx context.Context, streamID string) (domain.Cursor, error) {
	cursor, err := s.client.HGet(ctx, s.key(streamID), "cursor").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("load cursor for %s: %w", streamID, err)
	}
	return domain.Cursor(cursor), nil
}

func (s *RedisCursorStore) Save(ctx context.Context, streamID string, cursor domain.Cursor) error {
	position, ok := cursor.Position()
	if !ok {
		return fmt.Errorf("cursor %q for %s is not a stream position", cursor, streamID)
	}
	if _, err := saveCursorIfAheadScript.Run(ctx, s.client, []string{s.key(streamID)}, string(cursor), position).Int64(); err != nil {
		return fmt.Errorf("save cursor for %s: %w", streamID, err)
	}
	return nil
}
