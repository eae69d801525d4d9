package domain

import (
	"fmt"
	"strings"
)

const NativeAssetCode = "native"

// Asset identifies a Stellar asset. Native lumens carry no issuer.
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

// ParseAsset accepts "native", "CODE:ISSUER" and the SEP-38 "stellar:CODE:ISSUER" form.
func ParseAsset(s string) (Asset, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "stellar:"))
	if s == "" {
		return Asset{}, fmt.Errorf("empty asset")
	}
	if strings.EqualFold(s, NativeAssetCode) {
		return Asset{Code: NativeAssetCode}, nil
	}
	code, issuer, ok := strings.Cut(s, ":")
	if !ok || code == "" || issuer == "" {
		return Asset{}, fmt.Errorf("asset %q must be native or CODE:ISSUER", s)
	}
	if len(code) > 12 {
		return Asset{}, fmt.Errorf("asset code %q is longer than 12 characters", code)
	}
	return Asset{Code: code, Issuer: issuer}, nil
}

func (a Asset) IsNative() bool {
	return a.Code == NativeAssetCode && a.Issuer == ""
}

func (a Asset) Equal(o Asset) bool {
	return a.Code == o.Code && a.Issuer == o.Issuer
}

func (a Asset) String() string {
	if a.IsNative() || a.Issuer == "" {
		return a.Code
	}
	return a.Code + ":" + a.Issuer
}
