package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DropsPerXRP converts the ledger's minor unit into whole XRP.
var DropsPerXRP = decimal.NewFromInt(1_000_000)

// ErrNotNative is returned when a base-currency value is requested from an issued amount.
var ErrNotNative = errors.New("ledger: amount is not native")

// Amount is either a drops string (base currency) or an issued currency object.
type Amount struct {
	Drops    string
	Currency string
	Issuer   string
	Value    string
	native   bool
}

// NewDropsAmount builds a base currency amount.
func NewDropsAmount(drops string) Amount {
	return Amount{Drops: drops, native: true}
}

// NewIssuedAmount builds an issued currency amount.
func NewIssuedAmount(currency, issuer, value string) Amount {
	return Amount{Currency: currency, Issuer: issuer, Value: value}
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var drops string
		if err := json.Unmarshal(data, &drops); err != nil {
			return err
		}
		*a = NewDropsAmount(drops)
		return nil
	}

	var issued struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &issued); err != nil {
		return fmt.Errorf("decode issued amount: %w", err)
	}
	*a = NewIssuedAmount(issued.Currency, issued.Issuer, issued.Value)
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.native {
		return json.Marshal(a.Drops)
	}
	return json.Marshal(map[string]string{
		"currency": a.Currency,
		"issuer":   a.Issuer,
		"value":    a.Value,
	})
}

// IsNative reports whether the amount is denominated in drops.
func (a Amount) IsNative() bool {
	return a.native
}

// known is false for the "unavailable" marker the ledger reports in place of a
// delivered amount on old transactions.
func (a Amount) known() bool {
	if !a.native {
		return true
	}
	_, err := decimal.NewFromString(a.Drops)
	return err == nil
}

// IsAsset reports whether the amount is the given issued asset.
func (a Amount) IsAsset(asset Asset) bool {
	return !a.native && asset.Matches(a.Currency, a.Issuer)
}

// XRP converts a drops amount to whole XRP.
func (a Amount) XRP() (decimal.Decimal, error) {
	if !a.native {
		return decimal.Zero, ErrNotNative
	}
	return DropsToXRP(a.Drops)
}

// IssuedValue parses the value of an issued amount.
func (a Amount) IssuedValue() (decimal.Decimal, error) {
	if a.native {
		return decimal.Zero, fmt.Errorf("ledger: amount is native, not issued")
	}
	v, err := decimal.NewFromString(a.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse issued value %q: %w", a.Value, err)
	}
	return v, nil
}

// DropsToXRP parses a drops string and divides it by 1,000,000.
func DropsToXRP(drops string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(drops)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse drops %q: %w", drops, err)
	}
	return d.Div(DropsPerXRP), nil
}
