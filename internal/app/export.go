package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"xrpl-buy-alerts/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

var exportHeader = []string{"created_at", "subscription_id", "tx_hash", "account", "kind", "asset_issuer", "asset_currency", "asset_amount", "base_spent", "unit_price", "market_cap", "delivered", "error"}

// Export renders alert history as CSV, XLSX and/or a PNG chart of spend over time.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --xlsx or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	alerts, err := store.ListAlertsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleAlerts(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.XLSXPath != "" {
		if err := writeAlertsXLSX(opts.XLSXPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeAlertsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsampleAlerts(alerts []storage.AlertRecord, max int) []storage.AlertRecord {
	if max <= 0 || len(alerts) <= max {
		return alerts
	}
	if max == 1 {
		return alerts[len(alerts)-1:]
	}

	result := make([]storage.AlertRecord, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func alertRow(alert storage.AlertRecord) []string {
	marketCap := ""
	if alert.MarketCap != nil {
		marketCap = alert.MarketCap.String()
	}
	errMsg := ""
	if alert.Error != nil {
		errMsg = *alert.Error
	}
	return []string{
		alert.CreatedAt.UTC().Format(time.RFC3339),
		alert.SubscriptionID,
		alert.TxHash,
		alert.Account,
		alert.Kind,
		alert.AssetIssuer,
		alert.AssetCurrency,
		alert.AssetAmount.String(),
		alert.BaseSpent.String(),
		alert.UnitPrice.String(),
		marketCap,
		strconv.FormatBool(alert.Delivered),
		errMsg,
	}
}

func writeAlertsCSV(path string, alerts []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, alert := range alerts {
		if err := writer.Write(alertRow(alert)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeAlertsXLSX(path string, alerts []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, alert := range alerts {
		cells := alertRow(alert)
		row := make([]interface{}, len(cells))
		for j, c := range cells {
			row[j] = c
		}
		// numeric columns stay numeric for spreadsheet maths
		row[7] = alert.AssetAmount.InexactFloat64()
		row[8] = alert.BaseSpent.InexactFloat64()
		row[9] = alert.UnitPrice.InexactFloat64()
		row[11] = alert.Delivered

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

func writeAlertsPNG(path string, alerts []storage.AlertRecord) error {
	if len(alerts) < 2 {
		return errors.New("png export needs at least two alerts")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(alerts))
	spent := make([]float64, len(alerts))
	price := make([]float64, len(alerts))
	for i, alert := range alerts {
		x[i] = alert.CreatedAt
		spent[i] = alert.BaseSpent.InexactFloat64()
		price[i] = alert.UnitPrice.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Spent (XRP)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Unit price (XRP)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.8f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Spent",
				XValues: x,
				YValues: spent,
			},
			chart.TimeSeries{
				Name:    "Unit price",
				XValues: x,
				YValues: price,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
