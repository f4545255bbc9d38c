package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/storage"
	"xrpl-buy-alerts/internal/subscription"
)

// Show prints the most recent alert attempts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}
	renderAlerts(a, alerts)
	return nil
}

func renderAlerts(a *App, alerts []storage.AlertRecord) {
	table := tablewriter.NewWriter(a.Out)
	table.SetHeader([]string{"Time (UTC)", "Chat", "Token", "Kind", "Spent XRP", "Amount", "Market Cap", "Delivered", "Tx", "Error"})
	table.SetAutoWrapText(false)
	for _, alert := range alerts {
		marketCap := "-"
		if alert.MarketCap != nil {
			marketCap = formatDecimal(*alert.MarketCap, 2)
		}
		errMsg := ""
		if alert.Error != nil {
			errMsg = sanitizeInline(*alert.Error)
		}
		table.Append([]string{
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.SubscriptionID,
			ledger.DisplayCurrency(alert.AssetCurrency),
			alert.Kind,
			formatDecimal(alert.BaseSpent, 6),
			alert.AssetAmount.String(),
			marketCap,
			fmt.Sprintf("%t", alert.Delivered),
			shortHash(alert.TxHash),
			errMsg,
		})
	}
	table.Render()
}

// Subscriptions prints every registered subscription.
func (a *App) Subscriptions(ctx context.Context) error {
	store, registry, err := a.loadRegistry(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	subs := registry.List()
	if len(subs) == 0 {
		fmt.Fprintln(a.Out, "no subscriptions registered")
		return nil
	}
	renderSubscriptions(a, subs, time.Now())
	return nil
}

func renderSubscriptions(a *App, subs []subscription.Subscription, now time.Time) {
	table := tablewriter.NewWriter(a.Out)
	table.SetHeader([]string{"Chat", "Token", "Issuer", "Threshold", "Emoji", "Credit", "Expires (UTC)", "State"})
	table.SetAutoWrapText(false)
	for _, sub := range subs {
		table.Append([]string{
			sub.ID,
			sub.Asset.DisplayCode(),
			sub.Asset.Issuer,
			sub.Threshold.String(),
			sub.EmojiIcon,
			sub.AccumulatedCredit.String(),
			sub.ExpireAt.UTC().Format(time.RFC3339),
			subscriptionState(sub, now),
		})
	}
	table.Render()
}

func subscriptionState(sub subscription.Subscription, now time.Time) string {
	switch {
	case !sub.ActiveAt(now):
		return "expired"
	case sub.Enabled:
		return "enabled"
	default:
		return "stopped"
	}
}

func shortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:6] + "…" + hash[len(hash)-6:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
