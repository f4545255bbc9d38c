package alerting

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"xrpl-buy-alerts/internal/ledger"
)

// Button is an inline URL button attached under an alert.
type Button struct {
	Text string
	URL  string
}

// Payload is one message for one destination.
type Payload struct {
	Caption       string
	MediaRef      string
	MediaAnimated bool
	Buttons       []Button
}

// BuyAlert carries the values rendered into a buy caption.
type BuyAlert struct {
	Asset         ledger.Asset
	Event         ledger.BuyEvent
	UnitPrice     decimal.Decimal
	MarketCap     *decimal.Decimal
	EmojiIcon     string
	EmojiCount    int
	EmojiUnitCost decimal.Decimal
}

// Links holds the URL templates for alert buttons.
type Links struct {
	// ExplorerURL receives the transaction hash.
	ExplorerURL string
	// ChartURL receives the issuer then the currency code.
	ChartURL string
}

// EmojiCount returns floor(spent/unitCost) capped at limit.
func EmojiCount(spent, unitCost decimal.Decimal, limit int) int {
	if unitCost.Sign() <= 0 || spent.Sign() <= 0 || limit <= 0 {
		return 0
	}
	n := spent.Div(unitCost).Floor().IntPart()
	if n > int64(limit) {
		return limit
	}
	return int(n)
}

// RenderBuyCaption formats the HTML caption of a buy alert.
func RenderBuyCaption(a BuyAlert) string {
	code := html.EscapeString(a.Asset.DisplayCode())
	icon := html.EscapeString(a.EmojiIcon)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("🔥 <b>NEW %s BUY</b>\n\n", code))
	if a.EmojiCount > 0 {
		b.WriteString(strings.Repeat(icon, a.EmojiCount))
		b.WriteString("\n\n")
	}
	b.WriteString(fmt.Sprintf("💰 <b>Spent:</b> %s XRP\n", a.Event.BaseSpent.String()))
	b.WriteString(fmt.Sprintf("🎯 <b>Bought:</b> %s %s\n", a.Event.AssetAmount.String(), code))
	if icon != "" {
		b.WriteString(fmt.Sprintf("%s <b>Emoji Price:</b> %s XRP\n", icon, a.EmojiUnitCost.String()))
	}
	b.WriteString(fmt.Sprintf("💹 <b>Current Price:</b> %s XRP\n", a.UnitPrice.StringFixed(12)))
	if a.MarketCap != nil {
		b.WriteString(fmt.Sprintf("💼 <b>Market Cap:</b> %s XRP\n", a.MarketCap.StringFixed(2)))
	} else {
		b.WriteString("💼 <b>Market Cap:</b> unavailable\n")
	}
	b.WriteString(fmt.Sprintf("👤 <b>Buyer:</b> <code>%s</code>", html.EscapeString(a.Event.Account)))
	return b.String()
}

// BuyButtons builds the explorer and chart buttons; empty templates are skipped.
func BuyButtons(links Links, asset ledger.Asset, txHash string) []Button {
	buttons := make([]Button, 0, 2)
	if links.ExplorerURL != "" && txHash != "" {
		buttons = append(buttons, Button{Text: "EXPLORER", URL: fmt.Sprintf(links.ExplorerURL, txHash)})
	}
	if links.ChartURL != "" {
		buttons = append(buttons, Button{Text: "CHART", URL: fmt.Sprintf(links.ChartURL, asset.Issuer, asset.Currency)})
	}
	return buttons
}

// ExpiryNotice is sent once when a subscription lapses.
func ExpiryNotice() Payload {
	return Payload{
		Caption: "⌛ Your subscription has expired. Please re-subscribe to continue receiving notifications: /hash &lt;payment hash&gt;",
	}
}
