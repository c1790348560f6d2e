package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricewatcher/internal/logging"
)

const (
	SourceDexScreener = "dexscreener"
	SourceJupiter     = "jupiter"
	SourceBirdeye     = "birdeye"
	SourceCoinGecko   = "coingecko"
	SourceChainlink   = "chainlink"
	SourceCow         = "cow"

	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	usdtMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// KnownSources lists every adapter name the application can build.
var KnownSources = []string{SourceDexScreener, SourceJupiter, SourceBirdeye, SourceCoinGecko, SourceChainlink, SourceCow}

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Database DatabaseConfig `mapstructure:"database"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ResolverConfig tunes caching and source health. Identifier keyed
// settings are lists because viper lower-cases map keys and identifiers
// such as base58 mints are case sensitive.
type ResolverConfig struct {
	CacheTTL         time.Duration  `mapstructure:"cache_ttl"`
	MaxCacheSize     int            `mapstructure:"max_cache_size"`
	FailureThreshold int            `mapstructure:"failure_threshold"`
	BaseBackoff      time.Duration  `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration  `mapstructure:"max_backoff"`
	RequestTimeout   time.Duration  `mapstructure:"request_timeout"`
	FixedTag         string         `mapstructure:"fixed_tag"`
	FixedValues      []FixedValue   `mapstructure:"fixed_values"`
	Pinned           []PinnedSource `mapstructure:"pinned"`
	Coalesce         bool           `mapstructure:"coalesce"`
}

// FixedValue is one entry of the fixed-value table.
type FixedValue struct {
	Identifier string  `mapstructure:"identifier"`
	Value      float64 `mapstructure:"value"`
}

// PinnedSource dedicates a source to one identifier.
type PinnedSource struct {
	Identifier string `mapstructure:"identifier"`
	Source     string `mapstructure:"source"`
}

// SourceConfig holds the settings shared by HTTP adapters.
type SourceConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	APIKey    string        `mapstructure:"api_key"`
	UserAgent string        `mapstructure:"user_agent"`
}

// SourcesConfig selects and configures adapters. Order is the
// registration order, which breaks ranking ties.
type SourcesConfig struct {
	Order       []string          `mapstructure:"order"`
	DexScreener DexScreenerConfig `mapstructure:"dexscreener"`
	Jupiter     SourceConfig      `mapstructure:"jupiter"`
	Birdeye     BirdeyeConfig     `mapstructure:"birdeye"`
	CoinGecko   CoinGeckoConfig   `mapstructure:"coingecko"`
	Chainlink   ChainlinkConfig   `mapstructure:"chainlink"`
	Cow         CowConfig         `mapstructure:"cow"`
}

type DexScreenerConfig struct {
	SourceConfig `mapstructure:",squash"`
	ChainID      string `mapstructure:"chain_id"`
}

type BirdeyeConfig struct {
	SourceConfig `mapstructure:",squash"`
	Chain        string `mapstructure:"chain"`
}

type CoinGeckoConfig struct {
	SourceConfig `mapstructure:",squash"`
	Platform     string   `mapstructure:"platform"`
	CoinIDs      []CoinID `mapstructure:"coin_ids"`
}

// CoinID maps an identifier to a CoinGecko coin id.
type CoinID struct {
	Identifier string `mapstructure:"identifier"`
	Coin       string `mapstructure:"coin"`
}

// ChainlinkConfig covers on-chain oracle access.
type ChainlinkConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	RPCURL  string          `mapstructure:"rpc_url"`
	MaxAge  time.Duration   `mapstructure:"max_age"`
	Feeds   []ChainlinkFeed `mapstructure:"feeds"`
}

// ChainlinkFeed maps an identifier to an aggregator proxy.
type ChainlinkFeed struct {
	Identifier string `mapstructure:"identifier"`
	Address    string `mapstructure:"address"`
}

// CowConfig captures CoW Protocol connectivity.
type CowConfig struct {
	SourceConfig  `mapstructure:",squash"`
	PriceQuality  string     `mapstructure:"price_quality"`
	Notional      float64    `mapstructure:"notional"`
	QuoteToken    string     `mapstructure:"quote_token"`
	QuoteDecimals int32      `mapstructure:"quote_decimals"`
	Tokens        []CowToken `mapstructure:"tokens"`
}

// CowToken names a sellable ERC-20.
type CowToken struct {
	Identifier string `mapstructure:"identifier"`
	Address    string `mapstructure:"address"`
	Decimals   int32  `mapstructure:"decimals"`
}

// WatchConfig governs the polling cadence.
type WatchConfig struct {
	Identifiers     []string      `mapstructure:"identifiers"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Workers         int           `mapstructure:"workers"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// AlertingConfig routes source outage notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// HTTPConfig configures the query API.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCHER")
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
	v.SetDefault("app.name", "pricewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("resolver.cache_ttl", "30s")
	v.SetDefault("resolver.max_cache_size", 1000)
	v.SetDefault("resolver.failure_threshold", 5)
	v.SetDefault("resolver.base_backoff", "30s")
	v.SetDefault("resolver.max_backoff", "300s")
	v.SetDefault("resolver.request_timeout", "10s")
	v.SetDefault("resolver.fixed_tag", "stablecoin")
	v.SetDefault("resolver.fixed_values", []map[string]any{
		{"identifier": usdcMint, "value": 1.0},
		{"identifier": usdtMint, "value": 1.0},
	})
	v.SetDefault("resolver.pinned", []map[string]any{
		{"identifier": solMint, "source": SourceCoinGecko},
	})
	v.SetDefault("resolver.coalesce", true)

	v.SetDefault("sources.order", []string{SourceDexScreener, SourceJupiter, SourceBirdeye})
	for _, name := range []string{SourceDexScreener, SourceJupiter, SourceBirdeye, SourceCoinGecko} {
		v.SetDefault("sources."+name+".timeout", "10s")
		v.SetDefault("sources."+name+".retries", 1)
		v.SetDefault("sources."+name+".user_agent", "pricewatcher/1.0")
		v.SetDefault("sources."+name+".api_key", "")
	}
	v.SetDefault("sources.dexscreener.enabled", true)
	v.SetDefault("sources.dexscreener.base_url", "https://api.dexscreener.com")
	v.SetDefault("sources.dexscreener.chain_id", "solana")
	v.SetDefault("sources.jupiter.enabled", true)
	v.SetDefault("sources.jupiter.base_url", "https://lite-api.jup.ag/price/v2")
	v.SetDefault("sources.birdeye.enabled", true)
	v.SetDefault("sources.birdeye.base_url", "https://public-api.birdeye.so")
	v.SetDefault("sources.birdeye.chain", "solana")
	v.SetDefault("sources.coingecko.enabled", true)
	v.SetDefault("sources.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("sources.coingecko.platform", "solana")
	v.SetDefault("sources.coingecko.coin_ids", []map[string]any{
		{"identifier": solMint, "coin": "solana"},
	})
	v.SetDefault("sources.chainlink.enabled", false)
	v.SetDefault("sources.chainlink.max_age", "1h")
	v.SetDefault("sources.cow.enabled", false)
	v.SetDefault("sources.cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("sources.cow.timeout", "10s")
	v.SetDefault("sources.cow.retries", 0)
	v.SetDefault("sources.cow.user_agent", "pricewatcher/1.0")
	v.SetDefault("sources.cow.price_quality", "optimal")
	v.SetDefault("sources.cow.notional", 1.0)
	v.SetDefault("sources.cow.quote_token", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	v.SetDefault("sources.cow.quote_decimals", 6)

	v.SetDefault("watch.identifiers", []string{solMint})
	v.SetDefault("watch.interval", "1m")
	v.SetDefault("watch.align_to_bucket", true)
	v.SetDefault("watch.advisory_lock_key", int64(0x70726963))
	v.SetDefault("watch.startup_delay", "0s")
	v.SetDefault("watch.workers", 4)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")

	v.SetDefault("database.dsn", "")
	v.SetDefault("sources.chainlink.rpc_url", "")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	r := c.Resolver
	if r.CacheTTL <= 0 {
		return fmt.Errorf("resolver.cache_ttl must be greater than zero")
	}
	if r.MaxCacheSize <= 0 {
		return fmt.Errorf("resolver.max_cache_size must be greater than zero")
	}
	if r.FailureThreshold <= 0 {
		return fmt.Errorf("resolver.failure_threshold must be greater than zero")
	}
	if r.BaseBackoff <= 0 || r.MaxBackoff < r.BaseBackoff {
		return fmt.Errorf("resolver backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if r.RequestTimeout <= 0 {
		return fmt.Errorf("resolver.request_timeout must be greater than zero")
	}
	for _, fv := range r.FixedValues {
		if fv.Identifier == "" || fv.Value <= 0 {
			return fmt.Errorf("resolver.fixed_values: %q needs a positive value", fv.Identifier)
		}
	}
	pinned := make(map[string]struct{}, len(r.Pinned))
	for _, p := range r.Pinned {
		if p.Identifier == "" {
			return fmt.Errorf("resolver.pinned: identifier required")
		}
		if !IsKnownSource(p.Source) {
			return fmt.Errorf("resolver.pinned: unknown source %q", p.Source)
		}
		if _, dup := pinned[p.Identifier]; dup {
			return fmt.Errorf("resolver.pinned: %s pinned twice", p.Identifier)
		}
		pinned[p.Identifier] = struct{}{}
	}

	seen := make(map[string]struct{}, len(c.Sources.Order))
	for _, name := range c.Sources.Order {
		if !IsKnownSource(name) {
			return fmt.Errorf("sources.order: unknown source %q", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sources.order: %s listed twice", name)
		}
		seen[name] = struct{}{}
	}
	if c.Sources.Cow.Enabled && c.Sources.Cow.Notional <= 0 {
		return fmt.Errorf("sources.cow.notional must be greater than zero")
	}
	if c.Sources.Chainlink.Enabled && c.Sources.Chainlink.RPCURL == "" {
		return fmt.Errorf("sources.chainlink.rpc_url is required when chainlink is enabled")
	}

	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be greater than zero")
	}
	if len(c.Watch.Identifiers) == 0 {
		return fmt.Errorf("watch.identifiers must list at least one identifier")
	}
	for _, id := range c.Watch.Identifiers {
		if id == "" || strings.ContainsAny(id, " \t\r\n\v\f") {
			return fmt.Errorf("watch.identifiers: invalid identifier %q", id)
		}
	}
	if c.Watch.Workers <= 0 {
		return fmt.Errorf("watch.workers must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// IsKnownSource reports whether name is a buildable adapter.
func IsKnownSource(name string) bool {
	for _, known := range KnownSources {
		if known == name {
			return true
		}
	}
	return false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// FixedTable flattens FixedValues into a lookup map.
func (r ResolverConfig) FixedTable() map[string]float64 {
	out := make(map[string]float64, len(r.FixedValues))
	for _, fv := range r.FixedValues {
		out[fv.Identifier] = fv.Value
	}
	return out
}
