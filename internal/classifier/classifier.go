package classifier

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"xrpl-buy-alerts/internal/ledger"
)

// ErrMalformed wraps amount fields that could not be parsed.
var ErrMalformed = errors.New("classifier: malformed transaction")

// Classify turns a ledger transaction into a buy of asset, or nil when it is not one.
// Threshold filtering is left to the dispatcher.
func Classify(tx ledger.Transaction, asset ledger.Asset) (*ledger.BuyEvent, error) {
	switch tx.TransactionType {
	case ledger.TypePayment:
		return classifyPayment(tx, asset)
	case ledger.TypeOfferCreate:
		return classifyOffer(tx, asset)
	default:
		return nil, nil
	}
}

// classifyPayment recognises a self-payment that converts XRP into the asset
// through the DEX: Account == Destination, Amount in asset, SendMax in drops.
func classifyPayment(tx ledger.Transaction, asset ledger.Asset) (*ledger.BuyEvent, error) {
	if tx.Account == "" || tx.Account != tx.Destination {
		return nil, nil
	}
	if tx.Amount == nil || !tx.Amount.IsAsset(asset) {
		return nil, nil
	}
	if tx.SendMax == nil || !tx.SendMax.IsNative() {
		return nil, nil
	}

	spent, err := tx.SendMax.XRP()
	if err != nil {
		return nil, malformed(tx, "SendMax", err)
	}

	delivered := tx.Amount
	if d := tx.Meta.DeliveredAmount; d != nil && d.IsAsset(asset) {
		delivered = d
	}
	bought, err := delivered.IssuedValue()
	if err != nil {
		return nil, malformed(tx, "delivered_amount", err)
	}

	return &ledger.BuyEvent{
		AssetAmount: bought,
		BaseSpent:   spent,
		Account:     tx.Account,
		TxHash:      tx.Hash,
		Kind:        ledger.BuySelfPayment,
	}, nil
}

// classifyOffer recognises an offer that gives XRP and receives the asset.
func classifyOffer(tx ledger.Transaction, asset ledger.Asset) (*ledger.BuyEvent, error) {
	if tx.TakerGets == nil || !tx.TakerGets.IsAsset(asset) {
		return nil, nil
	}
	if tx.TakerPays == nil || !tx.TakerPays.IsNative() {
		return nil, nil
	}

	bought, err := tx.TakerGets.IssuedValue()
	if err != nil {
		return nil, malformed(tx, "TakerGets", err)
	}
	spent, err := tx.TakerPays.XRP()
	if err != nil {
		return nil, malformed(tx, "TakerPays", err)
	}

	credited, ok, err := firstCreditedBalance(tx.Meta.AffectedNodes)
	if err != nil {
		return nil, malformed(tx, "AffectedNodes", err)
	}
	if ok {
		spent = credited
	}

	return &ledger.BuyEvent{
		AssetAmount: bought,
		BaseSpent:   spent,
		Account:     tx.Account,
		TxHash:      tx.Hash,
		Kind:        ledger.BuyOffer,
	}, nil
}

// firstCreditedBalance returns the first positive AccountRoot balance delta
// in XRP. Nodes without a previous balance did not change balance and are skipped.
func firstCreditedBalance(nodes []ledger.AffectedNode) (decimal.Decimal, bool, error) {
	for _, node := range nodes {
		mod := node.ModifiedNode
		if mod == nil || mod.LedgerEntryType != ledger.EntryAccountRoot {
			continue
		}
		final, prev := mod.FinalFields.Balance, mod.PreviousFields.Balance
		if final == nil || prev == nil || !final.IsNative() || !prev.IsNative() {
			continue
		}

		finalXRP, err := final.XRP()
		if err != nil {
			return decimal.Zero, false, err
		}
		prevXRP, err := prev.XRP()
		if err != nil {
			return decimal.Zero, false, err
		}
		if delta := finalXRP.Sub(prevXRP); delta.IsPositive() {
			return delta, true, nil
		}
	}
	return decimal.Zero, false, nil
}

func malformed(tx ledger.Transaction, field string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrMalformed, tx.Hash, field, err)
}
