package subscription

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"xrpl-buy-alerts/internal/ledger"
)

var proofHashPattern = regexp.MustCompile(`^[0-9A-F]{64}$`)

// Defaults seed new subscriptions.
type Defaults struct {
	Threshold     decimal.Decimal
	EmojiIcon     string
	MediaRef      string
	MediaAnimated bool
}

// Options parameterise the registry's billing rules.
type Options struct {
	GracePeriod       time.Duration
	PeriodCost        decimal.Decimal
	PeriodDuration    time.Duration
	AcceptanceWindow  time.Duration
	ClockSkew         time.Duration
	CollectionAccount string
	Defaults          Defaults
	Now               func() time.Time
}

// ExtendResult describes the outcome of a credited payment.
type ExtendResult struct {
	Subscription Subscription
	Paid         decimal.Decimal
	Periods      int64
	Extended     bool
}

// Registry owns every subscription and the set of consumed payment proofs.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]Subscription
	proofs mapset.Set[string]

	store  Store
	opts   Options
	logger zerolog.Logger
}

// NewRegistry constructs an empty registry. Call Load to hydrate it from the store.
func NewRegistry(opts Options, store Store, logger zerolog.Logger) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 24 * time.Hour
	}
	if !opts.PeriodCost.IsPositive() {
		opts.PeriodCost = decimal.NewFromInt(50)
	}
	if opts.PeriodDuration <= 0 {
		opts.PeriodDuration = 30 * 24 * time.Hour
	}
	if opts.AcceptanceWindow <= 0 {
		opts.AcceptanceWindow = 100 * 24 * time.Hour
	}
	if opts.ClockSkew < 0 {
		opts.ClockSkew = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !opts.Defaults.Threshold.IsPositive() {
		opts.Defaults.Threshold = decimal.NewFromInt(10)
	}
	if opts.Defaults.EmojiIcon == "" {
		opts.Defaults.EmojiIcon = "🚀"
	}

	return &Registry{
		subs:   make(map[string]Subscription),
		proofs: mapset.NewThreadUnsafeSet[string](),
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Load replaces the in-memory state with what the store holds.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	subs, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	hashes, err := r.store.LoadProofHashes(ctx)
	if err != nil {
		return fmt.Errorf("load proof hashes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = lo.SliceToMap(subs, func(s Subscription) (string, Subscription) { return s.ID, s })
	r.proofs = mapset.NewThreadUnsafeSet(lo.Map(hashes, func(h string, _ int) string { return strings.ToUpper(h) })...)

	r.logger.Info().Int("subscriptions", len(r.subs)).Int("proofs", r.proofs.Cardinality()).Msg("registry loaded")
	return nil
}

// Register creates an active subscription with the grace period and zero credit.
func (r *Registry) Register(ctx context.Context, id string, asset ledger.Asset, ownerID int64) (Subscription, error) {
	if strings.TrimSpace(id) == "" {
		return Subscription{}, fmt.Errorf("%w: empty id", ErrInvalidSetting)
	}
	normalized, err := ledger.NewAsset(asset.Issuer, asset.Currency)
	if err != nil {
		return Subscription{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	now := r.opts.Now().UTC()
	d := r.opts.Defaults
	sub := Subscription{
		ID:                id,
		Asset:             normalized,
		Threshold:         d.Threshold,
		EmojiIcon:         d.EmojiIcon,
		MediaRef:          d.MediaRef,
		MediaAnimated:     d.MediaAnimated,
		AccumulatedCredit: decimal.Zero,
		ExpireAt:          now.Add(r.opts.GracePeriod),
		Enabled:           true,
		OwnerID:           ownerID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.save(ctx, sub); err != nil {
		return Subscription{}, err
	}
	r.subs[id] = sub

	r.logger.Info().Str("subscription", id).Str("asset", normalized.String()).Time("expire_at", sub.ExpireAt).Msg("subscription registered")
	return sub, nil
}

// Extend credits a verified payment to the subscription. Verification and the
// proof-hash insert happen under one write lock; nothing changes in memory unless
// the store accepted the write.
func (r *Registry) Extend(ctx context.Context, id string, proof ledger.Payment) (ExtendResult, error) {
	hash := strings.ToUpper(strings.TrimSpace(proof.Hash))
	if !proofHashPattern.MatchString(hash) {
		return ExtendResult{}, fmt.Errorf("%w: hash must be 64 hex characters", ErrInvalidProof)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ExtendResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.proofs.Contains(hash) {
		return ExtendResult{}, fmt.Errorf("%w: %s", ErrProofUsed, hash)
	}
	if proof.Destination != r.opts.CollectionAccount {
		return ExtendResult{}, fmt.Errorf("%w: %s", ErrWrongDestination, proof.Destination)
	}
	if !proof.Native || !proof.Successful() || !proof.Amount.IsPositive() {
		return ExtendResult{}, fmt.Errorf("%w: not a successful XRP payment", ErrInvalidProof)
	}

	now := r.opts.Now().UTC()
	if proof.Timestamp.Before(now.Add(-r.opts.AcceptanceWindow)) || proof.Timestamp.After(now.Add(r.opts.ClockSkew)) {
		return ExtendResult{}, fmt.Errorf("%w: paid at %s", ErrProofExpired, proof.Timestamp.Format(time.RFC3339))
	}

	updated, periods := r.credit(sub, proof.Amount, proof.Timestamp.UTC())
	updated.Enabled = true
	updated.UpdatedAt = now

	if r.store != nil {
		if err := r.store.SaveExtension(ctx, updated, hash); err != nil {
			return ExtendResult{}, fmt.Errorf("persist extension: %w", err)
		}
	}
	r.subs[id] = updated
	r.proofs.Add(hash)

	r.logger.Info().
		Str("subscription", id).
		Str("proof", hash).
		Str("paid", proof.Amount.String()).
		Int64("periods", periods).
		Str("credit", updated.AccumulatedCredit.String()).
		Time("expire_at", updated.ExpireAt).
		Msg("subscription extended")

	return ExtendResult{
		Subscription: updated,
		Paid:         proof.Amount,
		Periods:      periods,
		Extended:     periods > 0,
	}, nil
}

// credit applies the payment to the credit balance and converts whole periods into time.
func (r *Registry) credit(sub Subscription, paid decimal.Decimal, paidAt time.Time) (Subscription, int64) {
	cost := r.opts.PeriodCost
	credit := sub.AccumulatedCredit.Add(paid)
	whole := credit.Div(cost).Floor()
	sub.AccumulatedCredit = credit.Sub(whole.Mul(cost))

	periods := whole.IntPart()
	if periods > 0 {
		candidate := paidAt.Add(time.Duration(periods) * r.opts.PeriodDuration)
		if candidate.After(sub.ExpireAt) {
			sub.ExpireAt = candidate
		}
	}
	return sub, periods
}

// UpdateSettings applies validated field changes. ExpireAt is never touched.
func (r *Registry) UpdateSettings(ctx context.Context, id string, upd SettingsUpdate) (Subscription, error) {
	if err := upd.Validate(); err != nil {
		return Subscription{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	upd.apply(&sub)
	sub.UpdatedAt = r.opts.Now().UTC()
	if err := r.save(ctx, sub); err != nil {
		return Subscription{}, err
	}
	r.subs[id] = sub
	return sub, nil
}

// SetEnabled toggles alert delivery for the subscription.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sub.Enabled == enabled {
		return sub, nil
	}
	sub.Enabled = enabled
	sub.UpdatedAt = r.opts.Now().UTC()
	if err := r.save(ctx, sub); err != nil {
		return Subscription{}, err
	}
	r.subs[id] = sub
	return sub, nil
}

// DisableIfExpired re-checks expiry under the write lock and disables the
// subscription when its window has closed. It reports whether it changed anything.
func (r *Registry) DisableIfExpired(ctx context.Context, id string, now time.Time) (Subscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sub.ActiveAt(now) || !sub.Enabled {
		return sub, false, nil
	}
	sub.Enabled = false
	sub.UpdatedAt = now.UTC()
	if err := r.save(ctx, sub); err != nil {
		return Subscription{}, false, err
	}
	r.subs[id] = sub
	return sub, true, nil
}

// Get returns a copy of the subscription.
func (r *Registry) Get(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// List returns every subscription ordered by id.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	subs := lo.Values(r.subs)
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}

// Eligible snapshots the enabled, paid-up subscriptions tracking asset.
func (r *Registry) Eligible(asset ledger.Asset, now time.Time) []Subscription {
	key := asset.Key()
	return lo.Filter(r.List(), func(s Subscription, _ int) bool {
		return s.Asset.Key() == key && s.EligibleAt(now)
	})
}

// Active reports whether the subscription exists and its window covers now.
func (r *Registry) Active(id string, now time.Time) bool {
	sub, ok := r.Get(id)
	return ok && sub.ActiveAt(now)
}

// ProofUsed reports whether the hash was already credited.
func (r *Registry) ProofUsed(hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.proofs.Contains(strings.ToUpper(strings.TrimSpace(hash)))
}

// ValidProofHash reports whether hash has the shape of a transaction hash.
func ValidProofHash(hash string) bool {
	return proofHashPattern.MatchString(strings.ToUpper(strings.TrimSpace(hash)))
}

func (r *Registry) save(ctx context.Context, sub Subscription) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("persist subscription %s: %w", sub.ID, err)
	}
	return nil
}
