package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"xrpl-buy-alerts/internal/ledger"
)

const maxResponseBytes = 1 << 20

// MarketOptions parameterise the token metadata fetcher.
type MarketOptions struct {
	BaseURL      string
	PathTemplate string
	JSONPath     string
	Timeout      time.Duration
	UserAgent    string
}

// Market reads market capitalisation from a token metadata API.
type Market struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMarket constructs a market cap fetcher.
func NewMarket(opts MarketOptions, logger zerolog.Logger) *Market {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://s1.xrplmeta.org"
	}
	if opts.PathTemplate == "" {
		opts.PathTemplate = "/token/%s:%s"
	}
	if opts.JSONPath == "" {
		opts.JSONPath = "metrics.marketcap"
	}

	return &Market{
		opts:    opts,
		logger:  logger.With().Str("component", "market_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchMarketCap queries the token endpoint and extracts the configured JSON path.
// Every failure is reported as ErrUnavailable so callers can degrade the alert.
func (m *Market) FetchMarketCap(ctx context.Context, asset ledger.Asset) (decimal.Decimal, error) {
	endpoint := m.baseURL + fmt.Sprintf(m.opts.PathTemplate, url.PathEscape(asset.Currency), url.PathEscape(asset.Issuer))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "buyalerts/1.0")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnavailable, parseHTTPError(resp.StatusCode, payload))
	}

	value := gjson.GetBytes(payload, m.opts.JSONPath)
	if !value.Exists() {
		return decimal.Decimal{}, fmt.Errorf("%w: field %s missing", ErrUnavailable, m.opts.JSONPath)
	}

	capValue, err := decimal.NewFromString(strings.TrimSpace(value.String()))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: parse %s: %v", ErrUnavailable, m.opts.JSONPath, err)
	}
	if capValue.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative market cap", ErrUnavailable)
	}

	m.logger.Debug().Str("asset", asset.Key()).Str("market_cap", capValue.String()).Msg("market cap fetched")
	return capValue, nil
}

func parseHTTPError(status int, payload []byte) string {
	for _, path := range []string{"error", "message", "description"} {
		if msg := gjson.GetBytes(payload, path); msg.Exists() && msg.String() != "" {
			return fmt.Sprintf("metadata api error (%d): %s", status, msg.String())
		}
	}
	if len(payload) > 0 {
		return fmt.Sprintf("metadata api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Sprintf("metadata api error (%d)", status)
}

var _ MarketCapFetcher = (*Market)(nil)
