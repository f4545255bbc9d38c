package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"xrpl-buy-alerts/internal/config"
	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/storage"
)

var testAsset = ledger.Asset{Issuer: "rHXuEaRYnnJHbDeuBH5w8yPh5uwNVh5zAg", Currency: "USD"}

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Driver = config.DriverBuntDB
	cfg.Storage.BuntDB.Path = filepath.Join(t.TempDir(), "alerts.db")
	cfg.Pricing.Enabled = false

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func seedAlerts(t *testing.T, a *App, at ...time.Time) {
	t.Helper()
	store, err := storage.OpenBunt(a.Config.Storage.BuntDB.Path)
	require.NoError(t, err)
	defer store.Close()

	for i, ts := range at {
		marketCap := decimal.NewFromInt(1_000_000)
		_, err := store.InsertAlert(context.Background(), storage.AlertRecord{
			SubscriptionID: "-1001",
			TxHash:         "ABCDEF0123456789ABCDEF" + string(rune('A'+i)),
			Account:        "rBuyer",
			Kind:           string(ledger.BuySelfPayment),
			AssetIssuer:    testAsset.Issuer,
			AssetCurrency:  testAsset.Currency,
			AssetAmount:    decimal.NewFromInt(1000),
			BaseSpent:      decimal.NewFromInt(int64(100 * (i + 1))),
			UnitPrice:      decimal.RequireFromString("0.1"),
			MarketCap:      &marketCap,
			Delivered:      true,
			CreatedAt:      ts,
		})
		require.NoError(t, err)
	}
}

func TestShowListsRecentAlerts(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.Show(ctx, ShowOptions{Limit: 10}))
	require.Contains(t, out.String(), "no alerts found")

	now := time.Now().UTC()
	seedAlerts(t, a, now.Add(-time.Hour), now)
	out.Reset()
	require.NoError(t, a.Show(ctx, ShowOptions{Limit: 10}))
	require.Contains(t, out.String(), "200.000000")
	require.Contains(t, out.String(), "1000000.00")
	require.Contains(t, out.String(), "ABCDEF…")
}

func TestExportWritesCSVAndWorkbook(t *testing.T) {
	a, _ := newTestApp(t)
	now := time.Now().UTC()
	seedAlerts(t, a, now.Add(-3*time.Hour), now.Add(-2*time.Hour), now.Add(-time.Hour))

	dir := t.TempDir()
	opts := ExportOptions{
		CSVPath:  filepath.Join(dir, "out", "alerts.csv"),
		XLSXPath: filepath.Join(dir, "alerts.xlsx"),
		PNGPath:  filepath.Join(dir, "alerts.png"),
	}
	require.NoError(t, a.Export(context.Background(), opts))

	file, err := os.Open(opts.CSVPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, exportHeader, records[0])
	require.Equal(t, "100", records[1][8])

	wb, err := excelize.OpenFile(opts.XLSXPath)
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows(wb.GetSheetName(wb.GetActiveSheetIndex()))
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, "base_spent", rows[0][8])

	info, err := os.Stat(opts.PNGPath)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestExportValidatesOptions(t *testing.T) {
	a, _ := newTestApp(t)
	require.Error(t, a.Export(context.Background(), ExportOptions{}))

	from := time.Now()
	to := from.Add(-time.Hour)
	require.Error(t, a.Export(context.Background(), ExportOptions{CSVPath: "x.csv", From: &from, To: &to}))
}

func TestDownsampleAlerts(t *testing.T) {
	alerts := make([]storage.AlertRecord, 10)
	for i := range alerts {
		alerts[i].ID = int64(i)
	}
	out := downsampleAlerts(alerts, 4)
	require.Len(t, out, 4)
	require.Equal(t, int64(0), out[0].ID)
	require.Equal(t, int64(9), out[3].ID)
	require.Len(t, downsampleAlerts(alerts, 0), 10)
}

func TestSimulateBuyAndSubscriptions(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	store, registry, err := a.loadRegistry(ctx)
	require.NoError(t, err)
	_, err = registry.Register(ctx, "-1001", testAsset, 7)
	require.NoError(t, err)
	store.Close()

	require.NoError(t, a.Subscriptions(ctx))
	require.Contains(t, out.String(), "-1001")
	require.Contains(t, out.String(), "enabled")

	out.Reset()
	require.NoError(t, a.SimulateBuy(ctx, SimulateOptions{
		Asset:       testAsset,
		Spent:       decimal.NewFromInt(25),
		AssetAmount: decimal.NewFromInt(500),
	}))
	require.Contains(t, out.String(), "eligible: 1")
	require.Contains(t, out.String(), "delivered: 1")

	out.Reset()
	require.NoError(t, a.SimulateBuy(ctx, SimulateOptions{
		Asset:       testAsset,
		Spent:       decimal.NewFromInt(1),
		AssetAmount: decimal.NewFromInt(500),
	}))
	require.Contains(t, out.String(), "delivered: 0")

	require.Error(t, a.SimulateBuy(ctx, SimulateOptions{Asset: testAsset}))
}
