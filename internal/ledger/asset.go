package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	hexCurrencyLen = 40
	stdCurrencyLen = 3
	maxCurrencyLen = hexCurrencyLen / 2
)

var (
	// ErrInvalidIssuer is returned for issuer addresses that cannot be a classic XRPL account.
	ErrInvalidIssuer = errors.New("ledger: invalid issuer address")
	// ErrInvalidCurrency is returned for currency codes that cannot be encoded.
	ErrInvalidCurrency = errors.New("ledger: invalid currency code")
)

// Asset identifies an issued token by its issuer account and currency code.
type Asset struct {
	Issuer   string `json:"issuer"`
	Currency string `json:"currency"`
}

// NewAsset validates the issuer and normalises the currency code.
func NewAsset(issuer, currency string) (Asset, error) {
	issuer = strings.TrimSpace(issuer)
	if err := ValidateIssuer(issuer); err != nil {
		return Asset{}, err
	}
	code, err := NormalizeCurrency(currency)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Issuer: issuer, Currency: code}, nil
}

// Key is the canonical map key of the asset.
func (a Asset) Key() string {
	return a.Issuer + "/" + strings.ToUpper(a.Currency)
}

// Matches reports whether the issued currency described by currency/issuer is this asset.
func (a Asset) Matches(currency, issuer string) bool {
	return issuer == a.Issuer && strings.EqualFold(currency, a.Currency)
}

// DisplayCode returns a human readable currency code; hex codes are decoded.
func (a Asset) DisplayCode() string {
	return DisplayCurrency(a.Currency)
}

func (a Asset) String() string {
	return a.DisplayCode() + "." + a.Issuer
}

// ValidateIssuer performs a cheap shape check of a classic address.
func ValidateIssuer(issuer string) error {
	if !strings.HasPrefix(issuer, "r") || len(issuer) < 25 || len(issuer) > 35 {
		return fmt.Errorf("%w: %q", ErrInvalidIssuer, issuer)
	}
	return nil
}

// NormalizeCurrency turns operator input into a ledger currency code.
// Three character codes are kept, 40 char hex codes are upper-cased and
// anything else is hex encoded and right padded to 20 bytes.
func NormalizeCurrency(code string) (string, error) {
	code = strings.TrimSpace(code)
	switch {
	case code == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidCurrency)
	case strings.EqualFold(code, "XRP"):
		return "", fmt.Errorf("%w: XRP is the base currency", ErrInvalidCurrency)
	case len(code) == hexCurrencyLen && isHex(code):
		return strings.ToUpper(code), nil
	case len(code) == stdCurrencyLen:
		return code, nil
	case len(code) > maxCurrencyLen:
		return "", fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidCurrency, code, maxCurrencyLen)
	}

	padded := make([]byte, maxCurrencyLen)
	copy(padded, code)
	return strings.ToUpper(hex.EncodeToString(padded)), nil
}

// DisplayCurrency decodes 40 char hex currency codes; other codes are returned unchanged.
func DisplayCurrency(code string) string {
	if len(code) != hexCurrencyLen || !isHex(code) {
		return code
	}
	raw, err := hex.DecodeString(code)
	if err != nil {
		return code
	}
	text := strings.TrimRight(string(raw), "\x00")
	text = strings.ReplaceAll(text, "\x00", "")
	if text == "" || !utf8.ValidString(text) {
		return code
	}
	return text
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
