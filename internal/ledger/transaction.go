package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypePayment     = "Payment"
	TypeOfferCreate = "OfferCreate"

	EntryAccountRoot = "AccountRoot"

	ResultSuccess = "tesSUCCESS"

	// rippleEpoch is 2000-01-01T00:00:00Z in unix seconds.
	rippleEpoch = 946684800
)

// Transaction is the subset of a ledger transaction the buy classifier reads.
type Transaction struct {
	TransactionType string  `json:"TransactionType"`
	Hash            string  `json:"hash"`
	Account         string  `json:"Account"`
	Destination     string  `json:"Destination,omitempty"`
	Amount          *Amount `json:"Amount,omitempty"`
	SendMax         *Amount `json:"SendMax,omitempty"`
	TakerPays       *Amount `json:"TakerPays,omitempty"`
	TakerGets       *Amount `json:"TakerGets,omitempty"`
	Date            int64   `json:"date,omitempty"`

	Meta Meta `json:"-"`
}

// Time converts the ledger close time of the transaction.
func (t Transaction) Time() time.Time {
	if t.Date == 0 {
		return time.Time{}
	}
	return RippleTime(t.Date)
}

// Meta carries the settlement result of a transaction.
type Meta struct {
	TransactionResult string         `json:"TransactionResult"`
	DeliveredAmount   *Amount        `json:"delivered_amount,omitempty"`
	AffectedNodes     []AffectedNode `json:"AffectedNodes"`
}

// AffectedNode wraps one entry of the settlement-delta list. Only modified
// nodes carry a before/after balance.
type AffectedNode struct {
	ModifiedNode *ModifiedNode `json:"ModifiedNode,omitempty"`
}

type ModifiedNode struct {
	LedgerEntryType string     `json:"LedgerEntryType"`
	LedgerIndex     string     `json:"LedgerIndex,omitempty"`
	FinalFields     NodeFields `json:"FinalFields"`
	PreviousFields  NodeFields `json:"PreviousFields"`
}

type NodeFields struct {
	Account string  `json:"Account,omitempty"`
	Balance *Amount `json:"Balance,omitempty"`
}

// StreamMessage is one inbound message of the subscription stream.
type StreamMessage struct {
	Type        string       `json:"type"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Meta        *Meta        `json:"meta,omitempty"`
	Validated   bool         `json:"validated"`
	LedgerIndex uint64       `json:"ledger_index,omitempty"`
}

// BuyKind tells which transaction shape produced a BuyEvent.
type BuyKind string

const (
	BuySelfPayment BuyKind = "self_payment"
	BuyOffer       BuyKind = "offer_create"
)

// BuyEvent is a classified purchase of the monitored asset.
type BuyEvent struct {
	AssetAmount decimal.Decimal
	BaseSpent   decimal.Decimal
	Account     string
	TxHash      string
	Kind        BuyKind
}

// UnitPrice is BaseSpent per unit of asset, zero when nothing was acquired.
func (e BuyEvent) UnitPrice() decimal.Decimal {
	if e.AssetAmount.IsZero() {
		return decimal.Zero
	}
	return e.BaseSpent.DivRound(e.AssetAmount, 16)
}

// RippleTime converts seconds since the ripple epoch into wall time.
func RippleTime(seconds int64) time.Time {
	return time.Unix(seconds+rippleEpoch, 0).UTC()
}
