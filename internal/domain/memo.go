package domain

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type MemoType string

const (
	MemoTypeNone   MemoType = "none"
	MemoTypeID     MemoType = "id"
	MemoTypeText   MemoType = "text"
	MemoTypeHash   MemoType = "hash"
	MemoTypeReturn MemoType = "return"
)

const maxTextMemoBytes = 28

var (
	ErrMissingMemo     = errors.New("payment carries no memo")
	ErrUnsupportedMemo = errors.New("unsupported memo type")
)

// Memo is a typed memo as it appears on a ledger transaction.
type Memo struct {
	Type  MemoType `json:"type"`
	Value string   `json:"value"`
}

// Normalize returns the canonical form used in correlation keys: id memos as a base-10
// uint64, hash memos as lowercase hex (base64 input is converted), text unchanged.
func (m Memo) Normalize() (Memo, error) {
	switch m.Type {
	case "", MemoTypeNone:
		return Memo{}, ErrMissingMemo
	case MemoTypeID:
		id, err := strconv.ParseUint(strings.TrimSpace(m.Value), 10, 64)
		if err != nil {
			return Memo{}, fmt.Errorf("invalid id memo %q: %w", m.Value, err)
		}
		return Memo{Type: MemoTypeID, Value: strconv.FormatUint(id, 10)}, nil
	case MemoTypeText:
		if m.Value == "" {
			return Memo{}, ErrMissingMemo
		}
		if len(m.Value) > maxTextMemoBytes {
			return Memo{}, fmt.Errorf("text memo exceeds %d bytes", maxTextMemoBytes)
		}
		return m, nil
	case MemoTypeHash:
		v := strings.TrimSpace(m.Value)
		if raw, err := hex.DecodeString(v); err == nil && len(raw) == 32 {
			return Memo{Type: MemoTypeHash, Value: strings.ToLower(v)}, nil
		}
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil || len(raw) != 32 {
			return Memo{}, fmt.Errorf("invalid hash memo %q", m.Value)
		}
		return Memo{Type: MemoTypeHash, Value: hex.EncodeToString(raw)}, nil
	case MemoTypeReturn:
		return Memo{}, fmt.Errorf("%w: %s", ErrUnsupportedMemo, m.Type)
	default:
		return Memo{}, fmt.Errorf("%w: %q", ErrUnsupportedMemo, m.Type)
	}
}

func (m Memo) IsZero() bool {
	return m.Value == "" && (m.Type == "" || m.Type == MemoTypeNone)
}
