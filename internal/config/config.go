package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	str2duration "github.com/xhit/go-str2duration/v2"

	"xrpl-buy-alerts/internal/logging"
)

// Storage drivers.
const (
	DriverBuntDB   = "buntdb"
	DriverPostgres = "postgres"
)

// Threshold comparison modes.
const (
	ComparisonInclusive = "inclusive"
	ComparisonStrict    = "strict"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Defaults     DefaultsConfig     `mapstructure:"defaults"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Pricing      PricingConfig      `mapstructure:"pricing"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects and configures the settings store.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	BuntDB   BuntDBConfig   `mapstructure:"buntdb"`
	Database DatabaseConfig `mapstructure:"database"`
}

// BuntDBConfig points at the embedded database file.
type BuntDBConfig struct {
	Path string `mapstructure:"path"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// FeedConfig tunes the live websocket feed.
type FeedConfig struct {
	URL          string        `mapstructure:"url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	Buffer       int           `mapstructure:"buffer"`
}

// LedgerConfig covers JSON-RPC lookups of payment proofs.
type LedgerConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SubscriptionConfig holds the billing rules.
type SubscriptionConfig struct {
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	PeriodCost        float64       `mapstructure:"period_cost"`
	PeriodDuration    time.Duration `mapstructure:"period_duration"`
	AcceptanceWindow  time.Duration `mapstructure:"acceptance_window"`
	ClockSkew         time.Duration `mapstructure:"clock_skew"`
	CollectionAccount string        `mapstructure:"collection_account"`
}

// DefaultsConfig seeds newly registered subscriptions.
type DefaultsConfig struct {
	Threshold     float64 `mapstructure:"threshold"`
	EmojiIcon     string  `mapstructure:"emoji_icon"`
	MediaRef      string  `mapstructure:"media_ref"`
	MediaAnimated bool    `mapstructure:"media_animated"`
}

// AlertingConfig defines how buy alerts are evaluated and rendered.
type AlertingConfig struct {
	Comparison       string        `mapstructure:"comparison"`
	EmojiUnitCost    float64       `mapstructure:"emoji_unit_cost"`
	MaxEmoji         int           `mapstructure:"max_emoji"`
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout"`
	Concurrency      int           `mapstructure:"concurrency"`
	ExplorerURL      string        `mapstructure:"explorer_url"`
	ChartURL         string        `mapstructure:"chart_url"`
	RecordHistory    bool          `mapstructure:"record_history"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// TelegramConfig describes the bot used as command front end and notification sink.
type TelegramConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BotToken     string        `mapstructure:"bot_token"`
	APIEndpoint  string        `mapstructure:"api_endpoint"`
	PollTimeout  int           `mapstructure:"poll_timeout"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	OwnerID      int64         `mapstructure:"owner_id"`
	MaxMediaSize int64         `mapstructure:"max_media_size"`
	PendingTTL   time.Duration `mapstructure:"pending_ttl"`
	Debug        bool          `mapstructure:"debug"`
}

// PricingConfig captures the market-cap lookup endpoint.
type PricingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	PathTemplate   string        `mapstructure:"path_template"`
	JSONPath       string        `mapstructure:"json_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// SchedulerConfig governs the reconciliation sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// HTTPConfig exposes health, metrics and session endpoints.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Metrics bool   `mapstructure:"metrics"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("BUYALERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := gotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "buyalerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("storage.driver", DriverBuntDB)
	v.SetDefault("storage.buntdb.path", "data/buyalerts.db")
	v.SetDefault("storage.database.dsn", "")
	v.SetDefault("storage.database.max_open_conns", 10)
	v.SetDefault("storage.database.max_idle_conns", 2)
	v.SetDefault("storage.database.conn_max_lifetime", "30m")
	v.SetDefault("storage.database.auto_migrate", true)

	v.SetDefault("feed.url", "wss://xrplcluster.com")
	v.SetDefault("feed.read_timeout", "90s")
	v.SetDefault("feed.ping_interval", "30s")
	v.SetDefault("feed.buffer", 64)

	v.SetDefault("ledger.rpc_url", "https://xrplcluster.com")
	v.SetDefault("ledger.request_timeout", "10s")

	v.SetDefault("subscription.grace_period", "24h")
	v.SetDefault("subscription.period_cost", 50.0)
	v.SetDefault("subscription.period_duration", "30d")
	v.SetDefault("subscription.acceptance_window", "100d")
	v.SetDefault("subscription.clock_skew", "5m")
	v.SetDefault("subscription.collection_account", "")

	v.SetDefault("defaults.threshold", 10.0)
	v.SetDefault("defaults.emoji_icon", "🚀")
	v.SetDefault("defaults.media_ref", "")
	v.SetDefault("defaults.media_animated", true)

	v.SetDefault("alerting.comparison", ComparisonInclusive)
	v.SetDefault("alerting.emoji_unit_cost", 50.0)
	v.SetDefault("alerting.max_emoji", 50)
	v.SetDefault("alerting.lookup_timeout", "3s")
	v.SetDefault("alerting.concurrency", 8)
	v.SetDefault("alerting.explorer_url", "https://bithomp.com/explorer/%s")
	v.SetDefault("alerting.chart_url", "https://firstledger.net/token/%s/%s")
	v.SetDefault("alerting.record_history", true)
	v.SetDefault("alerting.history_retention", "90d")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.owner_id", int64(0))
	v.SetDefault("telegram.debug", false)
	v.SetDefault("telegram.api_endpoint", "https://api.telegram.org/bot%s/%s")
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.send_timeout", "15s")
	v.SetDefault("telegram.max_media_size", int64(50*1024*1024))
	v.SetDefault("telegram.pending_ttl", "10m")

	v.SetDefault("pricing.enabled", true)
	v.SetDefault("pricing.base_url", "https://s1.xrplmeta.org")
	v.SetDefault("pricing.path_template", "/token/%s:%s")
	v.SetDefault("pricing.json_path", "metrics.marketcap")
	v.SetDefault("pricing.request_timeout", "5s")
	v.SetDefault("pricing.user_agent", "buyalerts/1.0")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x58524c42))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.metrics", true)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			stringToDurationHook(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// stringToDurationHook accepts day and week units ("30d", "1w2d") on top of time.ParseDuration.
func stringToDurationHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return time.Duration(0), nil
		}
		d, err := str2duration.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse duration %q: %w", raw, err)
		}
		return d, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBuntDB:
		if c.Storage.BuntDB.Path == "" {
			return fmt.Errorf("storage.buntdb.path must be set")
		}
	case DriverPostgres:
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q", DriverBuntDB, DriverPostgres)
	}
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url must be set")
	}
	if c.Feed.Buffer <= 0 {
		return fmt.Errorf("feed.buffer must be greater than zero")
	}
	if c.Subscription.PeriodCost <= 0 {
		return fmt.Errorf("subscription.period_cost must be greater than zero")
	}
	if c.Subscription.PeriodDuration <= 0 {
		return fmt.Errorf("subscription.period_duration must be greater than zero")
	}
	if c.Subscription.GracePeriod < 0 {
		return fmt.Errorf("subscription.grace_period cannot be negative")
	}
	if c.Subscription.AcceptanceWindow <= 0 {
		return fmt.Errorf("subscription.acceptance_window must be greater than zero")
	}
	if c.Defaults.Threshold <= 0 {
		return fmt.Errorf("defaults.threshold must be greater than zero")
	}
	if strings.TrimSpace(c.Defaults.EmojiIcon) == "" {
		return fmt.Errorf("defaults.emoji_icon must not be empty")
	}
	switch c.Alerting.Comparison {
	case ComparisonInclusive, ComparisonStrict:
	default:
		return fmt.Errorf("alerting.comparison must be %q or %q", ComparisonInclusive, ComparisonStrict)
	}
	if c.Alerting.EmojiUnitCost <= 0 {
		return fmt.Errorf("alerting.emoji_unit_cost must be greater than zero")
	}
	if c.Alerting.MaxEmoji < 0 {
		return fmt.Errorf("alerting.max_emoji cannot be negative")
	}
	if c.Alerting.Concurrency <= 0 {
		return fmt.Errorf("alerting.concurrency must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token must be set when telegram is enabled")
		}
		if c.Subscription.CollectionAccount == "" {
			return fmt.Errorf("subscription.collection_account must be set when telegram is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
