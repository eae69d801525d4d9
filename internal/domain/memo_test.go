package domain

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestMemoNormalizeID(t *testing.T) {
	m, err := Memo{Type: MemoTypeID, Value: " 0042 "}.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Value != "42" {
		t.Fatalf("expected canonical id 42, got %q", m.Value)
	}
	if _, err := (Memo{Type: MemoTypeID, Value: "-1"}).Normalize(); err == nil {
		t.Fatal("expected negative id memo to fail")
	}
}

func TestMemoNormalizeHashAcceptsBase64AndHex(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 0xAB
	hexValue := "ab" + strings.Repeat("00", 31)

	fromB64, err := Memo{Type: MemoTypeHash, Value: base64.StdEncoding.EncodeToString(raw)}.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fromHex, err := Memo{Type: MemoTypeHash, Value: strings.ToUpper(hexValue)}.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromB64.Value != hexValue || fromHex.Value != hexValue {
		t.Fatalf("expected both forms to normalize to %s, got %s and %s", hexValue, fromB64.Value, fromHex.Value)
	}
}

func TestMemoNormalizeRejectsReturnAndMissing(t *testing.T) {
	if _, err := (Memo{Type: MemoTypeReturn, Value: "abc"}).Normalize(); !errors.Is(err, ErrUnsupportedMemo) {
		t.Fatalf("expected ErrUnsupportedMemo, got %v", err)
	}
	if _, err := (Memo{Type: MemoTypeNone}).Normalize(); !errors.Is(err, ErrMissingMemo) {
		t.Fatalf("expected ErrMissingMemo, got %v", err)
	}
	if _, err := (Memo{Type: MemoTypeText, Value: strings.Repeat("x", 29)}).Normalize(); err == nil {
		t.Fatal("expected oversized text memo to fail")
	}
}
