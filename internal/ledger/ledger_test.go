package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testIssuer = "rHXuEaRYnnJHbDeuBH5w8yPh5uwNVh5zAg"

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency("USD")
	require.NoError(t, err)
	require.Equal(t, "USD", code)

	code, err = NormalizeCurrency("NEIRO")
	require.NoError(t, err)
	require.Equal(t, "4E4549524F000000000000000000000000000000", code)
	require.Len(t, code, 40)

	code, err = NormalizeCurrency("4e4549524f000000000000000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "4E4549524F000000000000000000000000000000", code)

	_, err = NormalizeCurrency("XRP")
	require.ErrorIs(t, err, ErrInvalidCurrency)

	_, err = NormalizeCurrency("this-code-is-way-too-long")
	require.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestDisplayCurrency(t *testing.T) {
	require.Equal(t, "NEIRO", DisplayCurrency("4E4549524F000000000000000000000000000000"))
	require.Equal(t, "USD", DisplayCurrency("USD"))
}

func TestNewAssetRejectsBadIssuer(t *testing.T) {
	_, err := NewAsset("xNotAnAddress", "USD")
	require.ErrorIs(t, err, ErrInvalidIssuer)

	asset, err := NewAsset(testIssuer, "neiro")
	require.NoError(t, err)
	require.Equal(t, "neiro", asset.DisplayCode())
	require.True(t, asset.Matches("6E6569726F000000000000000000000000000000", testIssuer))
}

func TestAmountDecode(t *testing.T) {
	var tx Transaction
	raw := `{"TransactionType":"Payment","Amount":{"currency":"USD","issuer":"` + testIssuer + `","value":"12.5"},"SendMax":"2500000"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &tx))

	require.False(t, tx.Amount.IsNative())
	v, err := tx.Amount.IssuedValue()
	require.NoError(t, err)
	require.True(t, v.Equal(decimal.RequireFromString("12.5")))

	require.True(t, tx.SendMax.IsNative())
	xrp, err := tx.SendMax.XRP()
	require.NoError(t, err)
	require.True(t, xrp.Equal(decimal.RequireFromString("2.5")))

	_, err = tx.Amount.XRP()
	require.ErrorIs(t, err, ErrNotNative)
}

func TestRippleTime(t *testing.T) {
	require.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), RippleTime(0))
}

func TestClientPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tx", req.Method)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{
			"TransactionType":"Payment",
			"Account":"rSender11111111111111111111",
			"Destination":"rCollect1111111111111111111",
			"Amount":"50000000",
			"date":10,
			"hash":"ABC",
			"meta":{"TransactionResult":"tesSUCCESS","delivered_amount":"40000000"},
			"validated":true,
			"status":"success"}}`))
	}))
	defer srv.Close()

	client := NewClient(ClientOptions{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	p, err := client.Payment(context.Background(), "ABC")
	require.NoError(t, err)
	require.True(t, p.Native)
	require.True(t, p.Successful())
	require.True(t, p.Amount.Equal(decimal.NewFromInt(40)))
	require.Equal(t, "rCollect1111111111111111111", p.Destination)
	require.Equal(t, RippleTime(10), p.Timestamp)
}

func TestClientPaymentDeliveredUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{
			"TransactionType":"Payment",
			"Destination":"rCollect1111111111111111111",
			"Amount":"50000000",
			"hash":"OLD",
			"meta":{"TransactionResult":"tesSUCCESS","delivered_amount":"unavailable"},
			"validated":true,
			"status":"success"}}`))
	}))
	defer srv.Close()

	client := NewClient(ClientOptions{URL: srv.URL}, zerolog.Nop())
	p, err := client.Payment(context.Background(), "OLD")
	require.NoError(t, err)
	require.True(t, p.Native)
	require.True(t, p.Amount.Equal(decimal.NewFromInt(50)))
}

func TestClientPaymentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"error":"txnNotFound","status":"error"}}`))
	}))
	defer srv.Close()

	client := NewClient(ClientOptions{URL: srv.URL}, zerolog.Nop())
	_, err := client.Payment(context.Background(), "DEAD")
	require.True(t, errors.Is(err, ErrTxNotFound))
}
