package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xrpl-buy-alerts/internal/alerting"
	"xrpl-buy-alerts/internal/ledger"
)

// SimulateBuy pushes a synthetic buy through the dispatcher so operators can
// check thresholds and rendering without waiting for the ledger.
func (a *App) SimulateBuy(ctx context.Context, opts SimulateOptions) error {
	if !opts.Spent.IsPositive() {
		return errors.New("spent must be greater than zero")
	}

	store, registry, err := a.loadRegistry(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var notifier alerting.Notifier = alerting.NewLogNotifier(a.Logger)
	if opts.Send {
		api, err := a.newBotAPI()
		if err != nil {
			return err
		}
		if api == nil {
			return errors.New("telegram is not enabled")
		}
		notifier = a.newNotifier(api)
	}

	account := opts.Account
	if account == "" {
		account = "rSimulatedBuyer"
	}
	event := ledger.BuyEvent{
		AssetAmount: opts.AssetAmount,
		BaseSpent:   opts.Spent,
		Account:     account,
		TxHash:      fmt.Sprintf("SIMULATED%X", time.Now().UnixNano()),
		Kind:        ledger.BuySelfPayment,
	}

	// simulated buys never enter the history
	dispatcher := a.newDispatcher(registry, notifier, nil, nil)
	res := dispatcher.Dispatch(ctx, event, opts.Asset)

	fmt.Fprintf(a.Out, "eligible: %d\nmatched: %d\ndelivered: %d\nfailed: %d\n", res.Eligible, res.Matched, res.Delivered, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d alert(s) failed", res.Failed)
	}
	return nil
}
