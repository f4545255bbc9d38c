package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"xrpl-buy-alerts/internal/alerting"
	"xrpl-buy-alerts/internal/dispatch"
	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/storage"
	"xrpl-buy-alerts/internal/subscription"
)

const collectionAccount = "rCollectionAccountxxxxxxxxxxxxxx"

var (
	assetUSD = ledger.Asset{Issuer: "rHXuEaRYnnJHbDeuBH5w8yPh5uwNVh5zAg", Currency: "USD"}
	assetEUR = ledger.Asset{Issuer: "rHXuEaRYnnJHbDeuBH5w8yPh5uwNVh5zAg", Currency: "EUR"}
)

// fakeFeeds hands out in-memory sources and lets tests push transactions per asset.
type fakeFeeds struct {
	mu     sync.Mutex
	inputs map[string]chan ledger.Transaction
	opened int
	closed int
}

func newFakeFeeds() *fakeFeeds {
	return &fakeFeeds{inputs: make(map[string]chan ledger.Transaction)}
}

type fakeSource struct {
	feeds *fakeFeeds
	asset ledger.Asset
}

func (f *fakeFeeds) factory(asset ledger.Asset) TransactionSource {
	return fakeSource{feeds: f, asset: asset}
}

func (s fakeSource) Transactions(ctx context.Context) <-chan ledger.Transaction {
	in := make(chan ledger.Transaction, 8)
	out := make(chan ledger.Transaction)
	s.feeds.mu.Lock()
	s.feeds.inputs[s.asset.Key()] = in
	s.feeds.opened++
	s.feeds.mu.Unlock()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				s.feeds.mu.Lock()
				s.feeds.closed++
				s.feeds.mu.Unlock()
				return
			case tx := <-in:
				select {
				case out <- tx:
				case <-ctx.Done():
				}
			}
		}
	}()
	return out
}

func (f *fakeFeeds) push(asset ledger.Asset, tx ledger.Transaction) {
	f.mu.Lock()
	in := f.inputs[asset.Key()]
	f.mu.Unlock()
	in <- tx
}

func (f *fakeFeeds) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

type recordingDispatcher struct {
	events chan ledger.BuyEvent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event ledger.BuyEvent, _ ledger.Asset) dispatch.Result {
	d.events <- event
	return dispatch.Result{}
}

type notice struct {
	id      string
	payload alerting.Payload
}

type chanNotifier chan notice

func (n chanNotifier) Send(_ context.Context, id string, payload alerting.Payload) error {
	n <- notice{id: id, payload: payload}
	return nil
}

type stubPayments map[string]ledger.Payment

func (p stubPayments) Payment(_ context.Context, hash string) (ledger.Payment, error) {
	payment, ok := p[strings.ToUpper(hash)]
	if !ok {
		return ledger.Payment{}, ledger.ErrTxNotFound
	}
	return payment, nil
}

type harness struct {
	sup        *Supervisor
	registry   *subscription.Registry
	feeds      *fakeFeeds
	dispatcher *recordingDispatcher
	notices    chanNotifier
}

func newHarness(t *testing.T, grace time.Duration, payments ledger.PaymentLookup, history storage.AlertStore, retention time.Duration) *harness {
	t.Helper()
	registry := subscription.NewRegistry(subscription.Options{
		GracePeriod:       grace,
		PeriodCost:        decimal.NewFromInt(50),
		PeriodDuration:    30 * 24 * time.Hour,
		CollectionAccount: collectionAccount,
	}, nil, zerolog.Nop())

	h := &harness{
		registry:   registry,
		feeds:      newFakeFeeds(),
		dispatcher: &recordingDispatcher{events: make(chan ledger.BuyEvent, 8)},
		notices:    make(chanNotifier, 8),
	}
	h.sup = New(Options{NewFeed: h.feeds.factory, HistoryRetention: retention}, nil, registry, h.dispatcher, h.notices, payments, history, zerolog.Nop())
	t.Cleanup(h.sup.Close)
	return h
}

func selfPayment(hash string, asset ledger.Asset, drops string) ledger.Transaction {
	amount := ledger.NewIssuedAmount(asset.Currency, asset.Issuer, "1000")
	sendMax := ledger.NewDropsAmount(drops)
	return ledger.Transaction{
		TransactionType: ledger.TypePayment,
		Hash:            hash,
		Account:         "rBuyer",
		Destination:     "rBuyer",
		Amount:          &amount,
		SendMax:         &sendMax,
		Meta:            ledger.Meta{TransactionResult: ledger.ResultSuccess},
	}
}

func TestOneFeedPerAsset(t *testing.T) {
	h := newHarness(t, time.Hour, nil, nil, 0)
	ctx := context.Background()

	_, err := h.sup.Register(ctx, "-1", assetUSD, 7)
	require.NoError(t, err)
	_, err = h.sup.Register(ctx, "-2", assetUSD, 7)
	require.NoError(t, err)
	_, err = h.sup.Register(ctx, "-3", assetEUR, 7)
	require.NoError(t, err)

	opened, _ := h.feeds.counts()
	require.Equal(t, 2, opened)
	require.Len(t, h.sup.Sessions(), 3)

	require.NoError(t, h.sup.Stop(ctx, "-1"))
	require.NoError(t, h.sup.Stop(ctx, "-1"))
	_, closed := h.feeds.counts()
	require.Equal(t, 0, closed)

	require.NoError(t, h.sup.Stop(ctx, "-2"))
	require.Eventually(t, func() bool {
		_, closed := h.feeds.counts()
		return closed == 1
	}, time.Second, 10*time.Millisecond)

	sub, ok := h.registry.Get("-1")
	require.True(t, ok)
	require.False(t, sub.Enabled)
	require.Len(t, h.sup.Sessions(), 1)
}

func TestBuysReachDispatcher(t *testing.T) {
	h := newHarness(t, time.Hour, nil, nil, 0)
	_, err := h.sup.Register(context.Background(), "-1", assetUSD, 7)
	require.NoError(t, err)

	failed := selfPayment("F1", assetUSD, "1000000")
	failed.Meta.TransactionResult = "tecPATH_DRY"
	h.feeds.push(assetUSD, failed)
	h.feeds.push(assetUSD, selfPayment("OTHER", assetEUR, "1000000"))
	h.feeds.push(assetUSD, selfPayment("B1", assetUSD, "150000000"))

	select {
	case event := <-h.dispatcher.events:
		require.Equal(t, "B1", event.TxHash)
		require.True(t, event.BaseSpent.Equal(decimal.NewFromInt(150)))
	case <-time.After(2 * time.Second):
		t.Fatal("buy event not dispatched")
	}
}

func TestStartRules(t *testing.T) {
	h := newHarness(t, time.Hour, nil, nil, 0)
	ctx := context.Background()

	_, err := h.sup.Start(ctx, "missing")
	require.ErrorIs(t, err, subscription.ErrNotFound)

	_, err = h.sup.Register(ctx, "-1", assetUSD, 7)
	require.NoError(t, err)
	_, err = h.sup.Start(ctx, "-1")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = h.sup.Restart(ctx, "-1")
	require.NoError(t, err)
	require.True(t, h.sup.Running("-1"))
}

func TestExpiryTimerStopsSessionAndNotifies(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, nil, nil, 0)
	_, err := h.sup.Register(context.Background(), "-1", assetUSD, 7)
	require.NoError(t, err)

	select {
	case n := <-h.notices:
		require.Equal(t, "-1", n.id)
		require.Contains(t, n.payload.Caption, "expired")
	case <-time.After(2 * time.Second):
		t.Fatal("expiry notice not sent")
	}

	require.False(t, h.sup.Running("-1"))
	sub, _ := h.registry.Get("-1")
	require.False(t, sub.Enabled)

	_, err = h.sup.Start(context.Background(), "-1")
	require.ErrorIs(t, err, ErrExpired)
}

func TestExtendRevivesExpiredSubscription(t *testing.T) {
	hash := strings.Repeat("AB", 32)
	payments := stubPayments{hash: {
		Hash:        hash,
		Destination: collectionAccount,
		Amount:      decimal.NewFromInt(60),
		Native:      true,
		Result:      ledger.ResultSuccess,
		Validated:   true,
		Timestamp:   time.Now().UTC(),
	}}
	h := newHarness(t, 50*time.Millisecond, payments, nil, 0)
	ctx := context.Background()

	_, err := h.sup.Register(ctx, "-1", assetUSD, 7)
	require.NoError(t, err)
	<-h.notices
	require.False(t, h.sup.Running("-1"))

	_, err = h.sup.Extend(ctx, "-1", "not-a-hash")
	require.ErrorIs(t, err, subscription.ErrInvalidProof)
	_, err = h.sup.Extend(ctx, "-1", strings.Repeat("CD", 32))
	require.ErrorIs(t, err, subscription.ErrInvalidProof)

	res, err := h.sup.Extend(ctx, "-1", strings.ToLower(hash))
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Periods)
	require.True(t, res.Subscription.AccumulatedCredit.Equal(decimal.NewFromInt(10)))
	require.True(t, h.sup.Running("-1"))

	_, err = h.sup.Extend(ctx, "-1", hash)
	require.ErrorIs(t, err, subscription.ErrProofUsed)
}

func TestResumeStartsEnabledSubscriptions(t *testing.T) {
	h := newHarness(t, time.Hour, nil, nil, 0)
	ctx := context.Background()

	_, err := h.registry.Register(ctx, "-1", assetUSD, 7)
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, "-2", assetUSD, 7)
	require.NoError(t, err)
	_, err = h.registry.SetEnabled(ctx, "-2", false)
	require.NoError(t, err)

	started, err := h.sup.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, started)
	require.True(t, h.sup.Running("-1"))
	require.False(t, h.sup.Running("-2"))
}

func TestSweepRunsHooksAndPrunesHistory(t *testing.T) {
	history, err := storage.OpenBunt(":memory:")
	require.NoError(t, err)
	defer history.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	_, err = history.InsertAlert(ctx, storage.AlertRecord{SubscriptionID: "-1", TxHash: "OLD", CreatedAt: now.Add(-48 * time.Hour)})
	require.NoError(t, err)
	_, err = history.InsertAlert(ctx, storage.AlertRecord{SubscriptionID: "-1", TxHash: "NEW", CreatedAt: now})
	require.NoError(t, err)

	h := newHarness(t, time.Hour, nil, history, 24*time.Hour)
	var hookCalls int
	h.sup.OnSweep(func(time.Time) { hookCalls++ })

	_, err = h.sup.Register(ctx, "-1", assetUSD, 7)
	require.NoError(t, err)

	require.NoError(t, h.sup.Sweep(ctx, now))
	require.Equal(t, 1, hookCalls)
	require.True(t, h.sup.Running("-1"))

	left, err := history.ListRecentAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "NEW", left[0].TxHash)

	// a sweep past the expiry stops the session even without its timer
	require.NoError(t, h.sup.Sweep(ctx, now.Add(2*time.Hour)))
	require.False(t, h.sup.Running("-1"))
}

func TestExtendDuringExpiryKeepsSession(t *testing.T) {
	h := newHarness(t, time.Hour, nil, nil, 0)
	ctx := context.Background()
	_, err := h.sup.Register(ctx, "-1", assetUSD, 7)
	require.NoError(t, err)
	late := time.Now().UTC().Add(2 * time.Hour)

	// the timer fires and disables the row, then an extension lands before
	// the supervisor gets its own lock
	h.sup.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sup.expire("-1", late)
	}()
	require.Eventually(t, func() bool {
		sub, _ := h.registry.Get("-1")
		return !sub.Enabled
	}, time.Second, 5*time.Millisecond)

	hash := strings.Repeat("EF", 32)
	res, err := h.registry.Extend(ctx, "-1", ledger.Payment{
		Hash:        hash,
		Destination: collectionAccount,
		Amount:      decimal.NewFromInt(100),
		Native:      true,
		Result:      ledger.ResultSuccess,
		Validated:   true,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Periods)
	h.sup.mu.Unlock()
	<-done

	require.True(t, h.sup.Running("-1"))
	sub, _ := h.registry.Get("-1")
	require.True(t, sub.Enabled)
	require.True(t, sub.ActiveAt(late))

	opened, closed := h.feeds.counts()
	require.Equal(t, 1, opened)
	require.Equal(t, 0, closed)

	select {
	case n := <-h.notices:
		t.Fatalf("unexpected notice for extended subscription %s", n.id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweepStartsMissingSessions(t *testing.T) {
	h := newHarness(t, time.Hour, nil, nil, 0)
	ctx := context.Background()

	_, err := h.registry.Register(ctx, "-1", assetUSD, 7)
	require.NoError(t, err)
	_, err = h.registry.Register(ctx, "-2", assetUSD, 7)
	require.NoError(t, err)
	_, err = h.registry.SetEnabled(ctx, "-2", false)
	require.NoError(t, err)
	require.False(t, h.sup.Running("-1"))

	require.NoError(t, h.sup.Sweep(ctx, time.Now().UTC()))
	require.True(t, h.sup.Running("-1"))
	require.False(t, h.sup.Running("-2"))
	require.Len(t, h.sup.Sessions(), 1)

	// a second sweep leaves the running session alone
	require.NoError(t, h.sup.Sweep(ctx, time.Now().UTC()))
	opened, _ := h.feeds.counts()
	require.Equal(t, 1, opened)
}
