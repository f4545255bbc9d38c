package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"xrpl-buy-alerts/internal/alerting"
	"xrpl-buy-alerts/internal/bot"
	"xrpl-buy-alerts/internal/config"
	"xrpl-buy-alerts/internal/dispatch"
	"xrpl-buy-alerts/internal/feed"
	"xrpl-buy-alerts/internal/fetcher"
	"xrpl-buy-alerts/internal/httpserver"
	"xrpl-buy-alerts/internal/ledger"
	"xrpl-buy-alerts/internal/metrics"
	"xrpl-buy-alerts/internal/scheduler"
	"xrpl-buy-alerts/internal/service"
	"xrpl-buy-alerts/internal/storage"
	"xrpl-buy-alerts/internal/subscription"
	"xrpl-buy-alerts/internal/version"
)

const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives table output of the read-only commands.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) openStore(ctx context.Context) (storage.Backend, error) {
	return storage.Open(ctx, a.Config.Storage)
}

func (a *App) newRegistry(store subscription.Store) *subscription.Registry {
	sc := a.Config.Subscription
	d := a.Config.Defaults
	return subscription.NewRegistry(subscription.Options{
		GracePeriod:       sc.GracePeriod,
		PeriodCost:        decimal.NewFromFloat(sc.PeriodCost),
		PeriodDuration:    sc.PeriodDuration,
		AcceptanceWindow:  sc.AcceptanceWindow,
		ClockSkew:         sc.ClockSkew,
		CollectionAccount: sc.CollectionAccount,
		Defaults: subscription.Defaults{
			Threshold:     decimal.NewFromFloat(d.Threshold),
			EmojiIcon:     d.EmojiIcon,
			MediaRef:      d.MediaRef,
			MediaAnimated: d.MediaAnimated,
		},
	}, store, a.Logger)
}

// loadRegistry opens the store and hydrates a registry from it.
func (a *App) loadRegistry(ctx context.Context) (storage.Backend, *subscription.Registry, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	registry := a.newRegistry(store)
	if err := registry.Load(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, registry, nil
}

func (a *App) newMarket() fetcher.MarketCapFetcher {
	pc := a.Config.Pricing
	if !pc.Enabled {
		return nil
	}
	return fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL:      pc.BaseURL,
		PathTemplate: pc.PathTemplate,
		JSONPath:     pc.JSONPath,
		Timeout:      pc.RequestTimeout,
		UserAgent:    pc.UserAgent,
	}, a.Logger)
}

func (a *App) newBotAPI() (*tgbotapi.BotAPI, error) {
	tc := a.Config.Telegram
	if !tc.Enabled {
		return nil, nil
	}
	client := &http.Client{Timeout: time.Duration(tc.PollTimeout)*time.Second + tc.SendTimeout}
	api, err := tgbotapi.NewBotAPIWithClient(tc.BotToken, tc.APIEndpoint, client)
	if err != nil {
		return nil, err
	}
	api.Debug = tc.Debug
	a.Logger.Info().Str("username", api.Self.UserName).Msg("telegram bot authorised")
	return api, nil
}

func (a *App) newNotifier(api *tgbotapi.BotAPI) alerting.Notifier {
	if api == nil {
		a.Logger.Warn().Msg("telegram disabled; alerts are only logged")
		return alerting.NewLogNotifier(a.Logger)
	}
	return alerting.NewTelegramNotifier(api, a.Logger)
}

func (a *App) newDispatcher(registry *subscription.Registry, notifier alerting.Notifier, history storage.AlertStore, m *metrics.Metrics) *dispatch.Dispatcher {
	ac := a.Config.Alerting
	return dispatch.New(dispatch.Options{
		Comparison:    ac.Comparison,
		EmojiUnitCost: decimal.NewFromFloat(ac.EmojiUnitCost),
		MaxEmoji:      ac.MaxEmoji,
		LookupTimeout: ac.LookupTimeout,
		Concurrency:   ac.Concurrency,
		Links:         alerting.Links{ExplorerURL: ac.ExplorerURL, ChartURL: ac.ChartURL},
		RecordHistory: ac.RecordHistory,
		Metrics:       m,
	}, registry, notifier, a.newMarket(), history, a.Logger)
}

// Run executes the long-running alert service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, registry, err := a.loadRegistry(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New(a.Config.App.Name)

	api, err := a.newBotAPI()
	if err != nil {
		return err
	}
	notifier := a.newNotifier(api)
	dispatcher := a.newDispatcher(registry, notifier, store, m)

	sched, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	payments := ledger.NewClient(ledger.ClientOptions{
		URL:     a.Config.Ledger.RPCURL,
		Timeout: a.Config.Ledger.RequestTimeout,
	}, a.Logger)

	fc := a.Config.Feed
	sup := service.New(service.Options{
		FeedURL: fc.URL,
		Feed: feed.Options{
			ReadTimeout:  fc.ReadTimeout,
			PingInterval: fc.PingInterval,
			Buffer:       fc.Buffer,
			UserAgent:    version.UserAgent(),
			Metrics:      m,
		},
		LockKey:          a.Config.Scheduler.AdvisoryLockKey,
		HistoryRetention: a.Config.Alerting.HistoryRetention,
		Metrics:          m,
	}, sched, registry, dispatcher, notifier, payments, store, a.Logger)
	defer sup.Close()

	resumed, err := sup.Resume(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("sessions", resumed).Int("subscriptions", len(registry.List())).Msg("sessions resumed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })

	if a.Config.HTTP.Enabled {
		reg := m.Registry()
		if !a.Config.HTTP.Metrics {
			reg = nil
		}
		srv := httpserver.New(a.Config.HTTP.Addr, reg, sup, a.Logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if api != nil {
		tc := a.Config.Telegram
		pending := bot.NewPendingInputs(tc.PendingTTL, nil)
		sup.OnSweep(func(now time.Time) {
			if n := pending.Purge(now); n > 0 {
				a.Logger.Debug().Int("purged", n).Msg("expired settings grants dropped")
			}
		})
		b := bot.New(api, sup, pending, bot.Options{
			OwnerID:           tc.OwnerID,
			BotUsername:       api.Self.UserName,
			PollTimeout:       tc.PollTimeout,
			MaxMediaSize:      tc.MaxMediaSize,
			CollectionAccount: a.Config.Subscription.CollectionAccount,
			PeriodCost:        decimal.NewFromFloat(a.Config.Subscription.PeriodCost),
			PeriodDuration:    a.Config.Subscription.PeriodDuration,
		}, a.Logger)
		g.Go(func() error { return b.Run(gctx) })
	}

	a.Logger.Info().Msg("starting buy alert service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("buy alert service stopped")
	return nil
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe a synthetic buy.
type SimulateOptions struct {
	Asset       ledger.Asset
	Spent       decimal.Decimal
	AssetAmount decimal.Decimal
	Account     string
	// Send delivers through Telegram instead of logging.
	Send bool
}
