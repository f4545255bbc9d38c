package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrTxNotFound is returned when the ledger does not know the requested hash.
var ErrTxNotFound = errors.New("ledger: transaction not found")

// Payment is a settled payment looked up by hash, used as subscription proof.
type Payment struct {
	Hash        string
	Account     string
	Destination string
	// Amount is the delivered amount in whole XRP; zero for issued payments.
	Amount    decimal.Decimal
	Native    bool
	Result    string
	Validated bool
	Timestamp time.Time
}

// Successful reports whether the payment settled with tesSUCCESS in a validated ledger.
func (p Payment) Successful() bool {
	return p.Validated && p.Result == ResultSuccess
}

// PaymentLookup resolves a transaction hash into a Payment.
type PaymentLookup interface {
	Payment(ctx context.Context, hash string) (Payment, error)
}

// ClientOptions parameterise the JSON-RPC client.
type ClientOptions struct {
	URL     string
	Timeout time.Duration
}

// Client talks to a rippled JSON-RPC endpoint.
type Client struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewClient constructs a JSON-RPC client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	url := strings.TrimRight(opts.URL, "/")
	if url == "" {
		url = "https://xrplcluster.com"
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "ledger_rpc").Logger(),
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type txResult struct {
	Transaction
	Meta         *Meta  `json:"meta"`
	Validated    bool   `json:"validated"`
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// Payment fetches the transaction by hash and maps it to a Payment.
func (c *Client) Payment(ctx context.Context, hash string) (Payment, error) {
	body, err := json.Marshal(rpcRequest{
		Method: "tx",
		Params: []any{map[string]any{"transaction": hash, "binary": false}},
	})
	if err != nil {
		return Payment{}, fmt.Errorf("marshal tx request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Payment{}, fmt.Errorf("create tx request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Payment{}, fmt.Errorf("send tx request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Payment{}, fmt.Errorf("read tx response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Payment{}, fmt.Errorf("ledger rpc error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var envelope struct {
		Result txResult `json:"result"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Payment{}, fmt.Errorf("decode tx response: %w", err)
	}

	res := envelope.Result
	if res.Status == "error" || res.Error != "" {
		if res.Error == "txnNotFound" {
			return Payment{}, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
		}
		msg := res.ErrorMessage
		if msg == "" {
			msg = res.Error
		}
		return Payment{}, fmt.Errorf("ledger rpc error: %s", msg)
	}

	return toPayment(res)
}

func toPayment(res txResult) (Payment, error) {
	p := Payment{
		Hash:        res.Hash,
		Account:     res.Account,
		Destination: res.Destination,
		Validated:   res.Validated,
		Timestamp:   res.Time(),
	}
	if res.TransactionType != TypePayment {
		return p, nil
	}

	amount := res.Amount
	if res.Meta != nil {
		p.Result = res.Meta.TransactionResult
		if d := res.Meta.DeliveredAmount; d != nil && d.known() {
			amount = d
		}
	}
	if amount == nil || !amount.IsNative() {
		return p, nil
	}

	xrp, err := amount.XRP()
	if err != nil {
		return Payment{}, err
	}
	p.Amount = xrp
	p.Native = true
	return p, nil
}

var _ PaymentLookup = (*Client)(nil)
