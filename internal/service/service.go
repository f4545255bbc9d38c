package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"xrpl-buy-alerts/internal/alerting"
	"xrpl-buy-alerts/internal/classifier"
	"xrpl-buy-alerts/internal/dispatch"
	"xrpl-buy-alerts/internal/feed"
	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/metrics"
	"xrpl-buy-alerts/internal/scheduler"
	"xrpl-buy-alerts/internal/storage"
	"xrpl-buy-alerts/internal/subscription"
)

const expiryTimeout = 30 * time.Second

var (
	// ErrExpired is returned when starting a subscription whose paid window has closed.
	ErrExpired = errors.New("service: subscription expired")
	// ErrAlreadyRunning is returned by Start for a session that is already live.
	ErrAlreadyRunning = errors.New("service: session already running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("service: supervisor closed")
)

// TransactionSource is a live, restartable stream of ledger transactions.
type TransactionSource interface {
	Transactions(ctx context.Context) <-chan ledger.Transaction
}

// FeedFactory opens the transaction source for one asset.
type FeedFactory func(asset ledger.Asset) TransactionSource

// Dispatcher delivers a classified buy to the asset's subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, event ledger.BuyEvent, asset ledger.Asset) dispatch.Result
}

// Options tune the supervisor.
type Options struct {
	FeedURL          string
	Feed             feed.Options
	LockKey          int64
	HistoryRetention time.Duration
	Metrics          *metrics.Metrics
	Now              func() time.Time
	// NewFeed overrides the websocket feed, mainly for tests.
	NewFeed FeedFactory
}

// SessionInfo is a snapshot of one running session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Asset     string    `json:"asset"`
	StartedAt time.Time `json:"started_at"`
	ExpireAt  time.Time `json:"expire_at"`
}

type session struct {
	id        string
	asset     ledger.Asset
	startedAt time.Time
	expireAt  time.Time
	timer     *time.Timer
}

type assetFeed struct {
	asset   ledger.Asset
	cancel  context.CancelFunc
	members int
}

// Supervisor owns the running sessions: one ledger feed per asset, fanned out
// to every running subscription of that asset, plus the expiry timers.
type Supervisor struct {
	registry   *subscription.Registry
	dispatcher Dispatcher
	notifier   alerting.Notifier
	payments   ledger.PaymentLookup
	history    storage.AlertStore
	locker     storage.AdvisoryLocker
	scheduler  *scheduler.Scheduler
	opts       Options
	logger     zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	feeds      map[string]*assetFeed
	sessions   map[string]*session
	sweepHooks []func(now time.Time)
}

// New constructs the supervisor. history and payments may be nil.
func New(opts Options, sched *scheduler.Scheduler, registry *subscription.Registry, dispatcher Dispatcher, notifier alerting.Notifier, payments ledger.PaymentLookup, history storage.AlertStore, logger zerolog.Logger) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var locker storage.AdvisoryLocker
	if l, ok := history.(storage.AdvisoryLocker); ok {
		locker = l
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		registry:   registry,
		dispatcher: dispatcher,
		notifier:   notifier,
		payments:   payments,
		history:    history,
		locker:     locker,
		scheduler:  sched,
		opts:       opts,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		baseCtx:    ctx,
		cancel:     cancel,
		feeds:      make(map[string]*assetFeed),
		sessions:   make(map[string]*session),
	}
	if s.opts.NewFeed == nil {
		s.opts.NewFeed = func(asset ledger.Asset) TransactionSource {
			return feed.New(opts.FeedURL, asset, opts.Feed, logger)
		}
	}
	return s
}

// Run drives the periodic Sweep until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Sweep)
}

// OnSweep registers fn to run on every Sweep.
func (s *Supervisor) OnSweep(fn func(now time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepHooks = append(s.sweepHooks, fn)
}

// Register creates the subscription and starts its session.
func (s *Supervisor) Register(ctx context.Context, id string, asset ledger.Asset, ownerID int64) (subscription.Subscription, error) {
	sub, err := s.registry.Register(ctx, id, asset, ownerID)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if _, err := s.Start(ctx, id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		return sub, err
	}
	return sub, nil
}

// Start enables the subscription and attaches it to its asset feed.
func (s *Supervisor) Start(ctx context.Context, id string) (subscription.Subscription, error) {
	sub, ok := s.registry.Get(id)
	if !ok {
		return subscription.Subscription{}, fmt.Errorf("%w: %s", subscription.ErrNotFound, id)
	}
	if !sub.ActiveAt(s.opts.Now()) {
		return sub, ErrExpired
	}
	if s.Running(id) {
		return sub, ErrAlreadyRunning
	}

	sub, err := s.registry.SetEnabled(ctx, id, true)
	if err != nil {
		return subscription.Subscription{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sub, ErrClosed
	}
	if _, running := s.sessions[id]; running {
		return sub, ErrAlreadyRunning
	}
	s.startLocked(sub)
	return sub, nil
}

// Stop disables the subscription and detaches it. Stopping a stopped session is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	if _, err := s.registry.SetEnabled(ctx, id, false); err != nil {
		return err
	}
	s.mu.Lock()
	s.stopLocked(id)
	s.mu.Unlock()
	return nil
}

// Restart re-attaches the session, re-reading the subscription.
func (s *Supervisor) Restart(ctx context.Context, id string) (subscription.Subscription, error) {
	s.mu.Lock()
	s.stopLocked(id)
	s.mu.Unlock()
	return s.Start(ctx, id)
}

// Extend looks the payment up on the ledger, credits it and re-arms the session.
func (s *Supervisor) Extend(ctx context.Context, id, hash string) (subscription.ExtendResult, error) {
	if !subscription.ValidProofHash(hash) {
		return subscription.ExtendResult{}, fmt.Errorf("%w: hash must be 64 hex characters", subscription.ErrInvalidProof)
	}
	if _, ok := s.registry.Get(id); !ok {
		return subscription.ExtendResult{}, fmt.Errorf("%w: %s", subscription.ErrNotFound, id)
	}
	if s.registry.ProofUsed(hash) {
		return subscription.ExtendResult{}, fmt.Errorf("%w: %s", subscription.ErrProofUsed, hash)
	}
	if s.payments == nil {
		return subscription.ExtendResult{}, fmt.Errorf("payment lookup not configured")
	}

	payment, err := s.payments.Payment(ctx, hash)
	if errors.Is(err, ledger.ErrTxNotFound) {
		return subscription.ExtendResult{}, fmt.Errorf("%w: transaction not found", subscription.ErrInvalidProof)
	}
	if err != nil {
		return subscription.ExtendResult{}, fmt.Errorf("lookup payment: %w", err)
	}

	res, err := s.registry.Extend(ctx, id, payment)
	if err != nil {
		return subscription.ExtendResult{}, err
	}

	sub := res.Subscription
	if !sub.ActiveAt(s.opts.Now()) {
		return res, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return res, nil
	}
	if sess, running := s.sessions[id]; running {
		s.armLocked(sess, sub.ExpireAt)
	} else {
		s.startLocked(sub)
	}
	return res, nil
}

// UpdateSettings changes alert settings; running sessions pick them up on the next buy.
func (s *Supervisor) UpdateSettings(ctx context.Context, id string, upd subscription.SettingsUpdate) (subscription.Subscription, error) {
	return s.registry.UpdateSettings(ctx, id, upd)
}

// Resume starts every enabled, paid-up subscription; used at boot.
func (s *Supervisor) Resume(ctx context.Context) (int, error) {
	now := s.opts.Now()
	started := 0
	for _, sub := range s.registry.List() {
		if !sub.Enabled {
			continue
		}
		if !sub.ActiveAt(now) {
			s.expire(sub.ID, now)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return started, ErrClosed
		}
		if _, running := s.sessions[sub.ID]; !running {
			s.startLocked(sub)
			started++
		}
		s.mu.Unlock()
	}
	s.logger.Info().Int("sessions", started).Msg("sessions resumed")
	return started, nil
}

// Sweep reconciles sessions with the registry. Lapsed subscriptions whose timer
// was lost are stopped, paid-up ones without a session are started, then sweep
// hooks run and old alert history is pruned.
func (s *Supervisor) Sweep(ctx context.Context, now time.Time) error {
	lapsed := lo.Filter(s.registry.List(), func(sub subscription.Subscription, _ int) bool {
		return sub.Enabled && !sub.ActiveAt(now)
	})
	for _, sub := range lapsed {
		s.expire(sub.ID, now)
	}

	s.mu.Lock()
	for id := range s.sessions {
		if sub, ok := s.registry.Get(id); !ok || !sub.Enabled {
			s.stopLocked(id)
		}
	}
	if !s.closed {
		for _, sub := range s.registry.List() {
			if _, running := s.sessions[sub.ID]; !running && sub.Enabled && sub.ActiveAt(now) {
				s.startLocked(sub)
			}
		}
	}
	hooks := append([]func(time.Time){}, s.sweepHooks...)
	feeds, sessions := len(s.feeds), len(s.sessions)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(now)
	}
	s.opts.Metrics.SetSessions(feeds, sessions)

	return s.pruneHistory(ctx, now)
}

func (s *Supervisor) pruneHistory(ctx context.Context, now time.Time) error {
	if s.history == nil || s.opts.HistoryRetention <= 0 {
		return nil
	}
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Msg("skip history pruning because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	deleted, err := s.history.DeleteAlertsBefore(ctx, now.Add(-s.opts.HistoryRetention))
	if err != nil {
		return fmt.Errorf("prune alert history: %w", err)
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("alert history pruned")
	}
	return nil
}

func (s *Supervisor) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Subscription returns the registry's copy of id.
func (s *Supervisor) Subscription(id string) (subscription.Subscription, bool) {
	return s.registry.Get(id)
}

// Running reports whether the subscription has a live session.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Sessions returns the running sessions ordered by id.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := lo.MapToSlice(s.sessions, func(id string, sess *session) SessionInfo {
		return SessionInfo{ID: id, Asset: sess.asset.Key(), StartedAt: sess.startedAt, ExpireAt: sess.expireAt}
	})
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close stops every session and feed and waits for the consumers to exit.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id := range s.sessions {
		s.stopLocked(id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("supervisor closed")
}

func (s *Supervisor) startLocked(sub subscription.Subscription) {
	sess := &session{id: sub.ID, asset: sub.Asset, startedAt: s.opts.Now().UTC()}
	s.armLocked(sess, sub.ExpireAt)
	s.sessions[sub.ID] = sess

	key := sub.Asset.Key()
	af, ok := s.feeds[key]
	if !ok {
		ctx, cancel := context.WithCancel(s.baseCtx)
		af = &assetFeed{asset: sub.Asset, cancel: cancel}
		s.feeds[key] = af

		txs := s.opts.NewFeed(sub.Asset).Transactions(ctx)
		s.wg.Add(1)
		go s.consume(ctx, af, txs)
		s.logger.Info().Str("asset", key).Msg("feed opened")
	}
	af.members++

	s.opts.Metrics.SetSessions(len(s.feeds), len(s.sessions))
	s.logger.Info().Str("subscription", sub.ID).Str("asset", key).Time("expire_at", sub.ExpireAt).Msg("session started")
}

// armLocked (re)schedules the expiry timer of sess.
func (s *Supervisor) armLocked(sess *session, expireAt time.Time) {
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.expireAt = expireAt
	id := sess.id
	sess.timer = time.AfterFunc(expireAt.Sub(s.opts.Now()), func() { s.expire(id, s.opts.Now()) })
}

func (s *Supervisor) stopLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	delete(s.sessions, id)

	key := sess.asset.Key()
	if af, ok := s.feeds[key]; ok {
		af.members--
		if af.members <= 0 {
			af.cancel()
			delete(s.feeds, key)
			s.logger.Info().Str("asset", key).Msg("feed closed")
		}
	}

	s.opts.Metrics.SetSessions(len(s.feeds), len(s.sessions))
	s.logger.Info().Str("subscription", id).Msg("session stopped")
}

// expire re-checks the window under the registry lock; a subscription extended in
// the meantime only gets its timer re-armed.
func (s *Supervisor) expire(id string, now time.Time) {
	if s.baseCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, expiryTimeout)
	defer cancel()

	_, changed, err := s.registry.DisableIfExpired(ctx, id, now)
	if err != nil {
		s.logger.Error().Err(err).Str("subscription", id).Msg("failed to expire subscription")
		return
	}

	s.mu.Lock()
	// an Extend may have landed between the registry write and this lock
	fresh, ok := s.registry.Get(id)
	if ok && fresh.Enabled && fresh.ActiveAt(now) {
		if !s.closed {
			if sess, running := s.sessions[id]; running {
				s.armLocked(sess, fresh.ExpireAt)
			} else {
				s.startLocked(fresh)
			}
		}
		s.mu.Unlock()
		return
	}
	s.stopLocked(id)
	s.mu.Unlock()

	if !changed || !ok || fresh.Enabled || fresh.ActiveAt(now) || s.notifier == nil {
		return
	}
	s.logger.Info().Str("subscription", id).Time("expire_at", fresh.ExpireAt).Msg("subscription expired")
	if err := s.notifier.Send(ctx, id, alerting.ExpiryNotice()); err != nil {
		s.logger.Error().Err(err).Str("subscription", id).Msg("failed to send expiry notice")
	}
}

func (s *Supervisor) consume(ctx context.Context, af *assetFeed, txs <-chan ledger.Transaction) {
	defer s.wg.Done()

	for tx := range txs {
		if r := tx.Meta.TransactionResult; r != "" && r != ledger.ResultSuccess {
			continue
		}
		event, err := classifier.Classify(tx, af.asset)
		if err != nil {
			s.opts.Metrics.ClassifyError()
			s.logger.Warn().Err(err).Str("tx_hash", tx.Hash).Msg("skip unclassifiable transaction")
			continue
		}
		if event == nil {
			continue
		}
		s.opts.Metrics.BuyDetected(string(event.Kind))
		s.dispatcher.Dispatch(ctx, *event, af.asset)
	}
}
