package fetcher

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"xrpl-buy-alerts/internal/ledger"
)

// ErrUnavailable means the market data source could not produce a value.
var ErrUnavailable = errors.New("fetcher: market data unavailable")

// MarketCapFetcher retrieves the market capitalisation of an issued asset, in XRP.
type MarketCapFetcher interface {
	FetchMarketCap(ctx context.Context, asset ledger.Asset) (decimal.Decimal, error)
}
