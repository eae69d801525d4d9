package domain

import (
	"errors"
	"strings"

	"github.com/stellar/go/strkey"
)

var ErrInvalidAccount = errors.New("invalid stellar account")

// ValidateAccount accepts ed25519 (G...) and muxed (M...) account addresses.
func ValidateAccount(account string) error {
	account = strings.TrimSpace(account)
	if strkey.IsValidEd25519PublicKey(account) {
		return nil
	}
	if _, err := strkey.Decode(strkey.VersionByteMuxedAccount, account); err == nil {
		return nil
	}
	return ErrInvalidAccount
}
