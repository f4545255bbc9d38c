package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"xrpl-buy-alerts/internal/alerting"
	"xrpl-buy-alerts/internal/config"
	"xrpl-buy-alerts/internal/fetcher"
	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/metrics"
	"xrpl-buy-alerts/internal/storage"
	"xrpl-buy-alerts/internal/subscription"
)

const (
	defaultConcurrency   = 8
	defaultLookupTimeout = 3 * time.Second
	defaultMaxEmoji      = 50
)

var defaultEmojiUnitCost = decimal.NewFromInt(50)

// Source yields the subscriptions that may receive alerts for an asset.
type Source interface {
	Eligible(asset ledger.Asset, now time.Time) []subscription.Subscription
}

// Options tune alert fan-out.
type Options struct {
	// Comparison is config.ComparisonInclusive (spent >= threshold) or config.ComparisonStrict (spent > threshold).
	Comparison    string
	EmojiUnitCost decimal.Decimal
	MaxEmoji      int
	LookupTimeout time.Duration
	Concurrency   int
	Links         alerting.Links
	RecordHistory bool
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Result summarises one Dispatch call.
type Result struct {
	Eligible  int
	Matched   int
	Delivered int
	Failed    int
}

// Dispatcher fans a buy event out to every subscriber whose threshold it clears.
type Dispatcher struct {
	subs     Source
	notifier alerting.Notifier
	prices   fetcher.MarketCapFetcher
	history  storage.AlertStore
	opts     Options
	logger   zerolog.Logger
}

// New constructs a Dispatcher. prices and history may be nil.
func New(opts Options, subs Source, notifier alerting.Notifier, prices fetcher.MarketCapFetcher, history storage.AlertStore, logger zerolog.Logger) *Dispatcher {
	if opts.Comparison == "" {
		opts.Comparison = config.ComparisonInclusive
	}
	if opts.EmojiUnitCost.Sign() <= 0 {
		opts.EmojiUnitCost = defaultEmojiUnitCost
	}
	if opts.MaxEmoji <= 0 {
		opts.MaxEmoji = defaultMaxEmoji
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		subs:     subs,
		notifier: notifier,
		prices:   prices,
		history:  history,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Clears reports whether spent meets threshold under the configured comparison.
func (d *Dispatcher) Clears(spent, threshold decimal.Decimal) bool {
	if d.opts.Comparison == config.ComparisonStrict {
		return spent.GreaterThan(threshold)
	}
	return spent.GreaterThanOrEqual(threshold)
}

// Dispatch delivers event to every eligible subscriber of asset. Per-subscriber
// failures are logged and counted; they never stop the other deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, event ledger.BuyEvent, asset ledger.Asset) Result {
	now := d.opts.Now()
	eligible := d.subs.Eligible(asset, now)
	matched := lo.Filter(eligible, func(sub subscription.Subscription, _ int) bool {
		return d.Clears(event.BaseSpent, sub.Threshold)
	})

	res := Result{Eligible: len(eligible), Matched: len(matched)}
	if len(matched) == 0 {
		d.logger.Debug().
			Str("tx_hash", event.TxHash).
			Str("spent", event.BaseSpent.String()).
			Int("eligible", len(eligible)).
			Msg("buy below every threshold")
		return res
	}

	marketCap := d.lookupMarketCap(ctx, asset)
	unitPrice := event.UnitPrice()
	emojiCount := alerting.EmojiCount(event.BaseSpent, d.opts.EmojiUnitCost, d.opts.MaxEmoji)
	buttons := alerting.BuyButtons(d.opts.Links, asset, event.TxHash)

	var delivered, failed int64
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for _, sub := range matched {
		sub := sub
		g.Go(func() error {
			payload := alerting.Payload{
				Caption: alerting.RenderBuyCaption(alerting.BuyAlert{
					Asset:         asset,
					Event:         event,
					UnitPrice:     unitPrice,
					MarketCap:     marketCap,
					EmojiIcon:     sub.EmojiIcon,
					EmojiCount:    emojiCount,
					EmojiUnitCost: d.opts.EmojiUnitCost,
				}),
				MediaRef:      sub.MediaRef,
				MediaAnimated: sub.MediaAnimated,
				Buttons:       buttons,
			}

			err := d.notifier.Send(ctx, sub.ID, payload)
			d.opts.Metrics.AlertResult(err)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				d.logger.Error().Err(err).Str("subscription", sub.ID).Str("tx_hash", event.TxHash).Msg("failed to deliver alert")
			} else {
				atomic.AddInt64(&delivered, 1)
			}
			d.record(ctx, sub, event, asset, unitPrice, marketCap, err)
			return nil
		})
	}
	_ = g.Wait()

	res.Delivered = int(delivered)
	res.Failed = int(failed)
	d.logger.Info().
		Str("tx_hash", event.TxHash).
		Str("asset", asset.Key()).
		Str("spent", event.BaseSpent.String()).
		Int("delivered", res.Delivered).
		Int("failed", res.Failed).
		Msg("buy alert dispatched")
	return res
}

func (d *Dispatcher) lookupMarketCap(ctx context.Context, asset ledger.Asset) *decimal.Decimal {
	if d.prices == nil {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, d.opts.LookupTimeout)
	defer cancel()

	value, err := d.prices.FetchMarketCap(lookupCtx, asset)
	if err != nil {
		d.logger.Warn().Err(err).Str("asset", asset.Key()).Msg("market cap unavailable")
		return nil
	}
	return &value
}

func (d *Dispatcher) record(ctx context.Context, sub subscription.Subscription, event ledger.BuyEvent, asset ledger.Asset, unitPrice decimal.Decimal, marketCap *decimal.Decimal, sendErr error) {
	if !d.opts.RecordHistory || d.history == nil {
		return
	}
	rec := storage.AlertRecord{
		SubscriptionID: sub.ID,
		TxHash:         event.TxHash,
		Account:        event.Account,
		Kind:           string(event.Kind),
		AssetIssuer:    asset.Issuer,
		AssetCurrency:  asset.Currency,
		AssetAmount:    event.AssetAmount,
		BaseSpent:      event.BaseSpent,
		UnitPrice:      unitPrice,
		MarketCap:      marketCap,
		Delivered:      sendErr == nil,
		CreatedAt:      d.opts.Now().UTC(),
	}
	if sendErr != nil {
		msg := sendErr.Error()
		rec.Error = &msg
	}
	if _, err := d.history.InsertAlert(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("subscription", sub.ID).Str("tx_hash", event.TxHash).Msg("failed to persist alert record")
	}
}
