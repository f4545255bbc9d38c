package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord captures one delivered (or failed) buy alert for auditing and export.
type AlertRecord struct {
	ID             int64            `json:"id"`
	SubscriptionID string           `json:"subscription_id"`
	TxHash         string           `json:"tx_hash"`
	Account        string           `json:"account"`
	Kind           string           `json:"kind"`
	AssetIssuer    string           `json:"asset_issuer"`
	AssetCurrency  string           `json:"asset_currency"`
	AssetAmount    decimal.Decimal  `json:"asset_amount"`
	BaseSpent      decimal.Decimal  `json:"base_spent"`
	UnitPrice      decimal.Decimal  `json:"unit_price"`
	MarketCap      *decimal.Decimal `json:"market_cap,omitempty"`
	Delivered      bool             `json:"delivered"`
	Error          *string          `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}
