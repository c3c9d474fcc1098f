package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ModeDryRun = "dry-run"
	ModeLive   = "live"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Mode            string `mapstructure:"mode"`
	LogLevel        string `mapstructure:"log_level"`
	FeeCatalogPath  string `mapstructure:"fee_catalog_path"`
	CredentialsPath string `mapstructure:"credentials_path"`

	// FeeCatalogReload is how often the catalog file is checked for changes.
	FeeCatalogReload time.Duration `mapstructure:"fee_catalog_reload"`

	Arbitrage ArbitrageConfig           `mapstructure:"arbitrage"`
	Policy    PolicyConfig              `mapstructure:"policy"`
	Balance   BalanceConfig             `mapstructure:"balance"`
	Rebalance RebalanceConfig           `mapstructure:"rebalance"`
	Execution ExecutionConfig           `mapstructure:"execution"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Redis     RedisConfig               `mapstructure:"redis"`
	History   HistoryConfig             `mapstructure:"history"`
	Server    ServerConfig              `mapstructure:"server"`
	Notify    NotifyConfig              `mapstructure:"notify"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
}

// ArbitrageConfig defines the discovery and admission thresholds.
type ArbitrageConfig struct {
	QuoteAsset           string        `mapstructure:"quote_asset"`
	Pairs                []string      `mapstructure:"pairs"`
	TradeNotionalUSD     float64       `mapstructure:"trade_notional_usd"`
	MinGrossPct          float64       `mapstructure:"min_gross_pct"`
	MaxGrossPct          float64       `mapstructure:"max_gross_pct"`
	MinProfitNetPct      float64       `mapstructure:"min_profit_net_pct"`
	MinLiquidityUSD      float64       `mapstructure:"min_liquidity_usd"`
	ScanInterval         time.Duration `mapstructure:"scan_interval"`
	BookDepth            int           `mapstructure:"book_depth"`
	QuoteMaxAge          time.Duration `mapstructure:"quote_max_age"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
	AnalyzerWorkers      int           `mapstructure:"analyzer_workers"`
}

// PolicyConfig holds the blacklists and network restrictions.
type PolicyConfig struct {
	BlacklistAssets    []string            `mapstructure:"blacklist_assets"`
	BlacklistExchanges []string            `mapstructure:"blacklist_exchanges"`
	BlacklistPaths     []PathRule          `mapstructure:"blacklist_paths"`
	RestrictedNetworks []string            `mapstructure:"restricted_networks"`
	AssetRestrictions  map[string][]string `mapstructure:"asset_restrictions"`
	ForcedNetworks     map[string]string   `mapstructure:"forced_networks"`
}

// PathRule names one (asset, buy, sell, network) path. Network "*" matches all.
type PathRule struct {
	Asset   string `mapstructure:"asset"`
	Buy     string `mapstructure:"buy"`
	Sell    string `mapstructure:"sell"`
	Network string `mapstructure:"network"`
}

// BalanceConfig controls the balance cache and reservation ledger.
type BalanceConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ReservationTTL  time.Duration `mapstructure:"reservation_ttl"`
}

// RebalanceConfig controls transfers, JIT funding and dust consolidation.
type RebalanceConfig struct {
	DepositTimeout   time.Duration `mapstructure:"deposit_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval  time.Duration `mapstructure:"max_poll_interval"`
	MaxPolls         uint          `mapstructure:"max_polls"`
	JITFunding       bool          `mapstructure:"jit_funding"`
	DustThresholdUSD float64       `mapstructure:"dust_threshold_usd"`
	DustInterval     time.Duration `mapstructure:"dust_interval"`
}

// ExecutionConfig controls the executor state machine.
type ExecutionConfig struct {
	MaxConcurrentPlans int           `mapstructure:"max_concurrent_plans"`
	FillTolerancePct   float64       `mapstructure:"fill_tolerance_pct"`
	TransferRetries    uint          `mapstructure:"transfer_retries"`
	SellRetries        uint          `mapstructure:"sell_retries"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	MaxRetryInterval   time.Duration `mapstructure:"max_retry_interval"`
	PathLockTTL        time.Duration `mapstructure:"path_lock_ttl"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN builds a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, port, d.DBName, sslMode)
}

// RedisConfig enables the shared path lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HistoryConfig controls the JSON-lines trade history.
type HistoryConfig struct {
	Dir     string        `mapstructure:"dir"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig uploads rotated history files to S3-compatible storage.
type ArchiveConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Prefix         string `mapstructure:"prefix"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ServerConfig is the operational HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// NotifyConfig configures Telegram alerts.
type NotifyConfig struct {
	TelegramToken  string   `mapstructure:"telegram_token"`
	TelegramChatID string   `mapstructure:"telegram_chat_id"`
	Events         []string `mapstructure:"events"`
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	TakerFeePercent  float64                      `mapstructure:"taker_fee_percent"`
	SubAccounts      []string                     `mapstructure:"sub_accounts"`
	TradingAccount   string                       `mapstructure:"trading_account"`
	WithdrawAccount  string                       `mapstructure:"withdraw_account"`
	RateLimitPerSec  float64                      `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst   int                          `mapstructure:"rate_limit_burst"`
	MaxRetries       uint                         `mapstructure:"max_retries"`
	DepositAddresses map[string]map[string]string `mapstructure:"deposit_addresses"`
	APIKey           string                       `mapstructure:"api_key"`
	APISecret        string                       `mapstructure:"api_secret"`
	Paper            PaperConfig                  `mapstructure:"paper"`
}

// PaperConfig seeds the simulated venue used in dry-run mode.
type PaperConfig struct {
	Stream            bool                          `mapstructure:"stream"`
	SyntheticDepthUSD float64                       `mapstructure:"synthetic_depth_usd"`
	Balances          map[string]map[string]float64 `mapstructure:"balances"`
	Books             map[string]PaperBook          `mapstructure:"books"`
}

// PaperBook is a static top of book for a pair.
type PaperBook struct {
	Bid   float64 `mapstructure:"bid"`
	Ask   float64 `mapstructure:"ask"`
	Depth float64 `mapstructure:"depth"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeDryRun)
	v.SetDefault("log_level", "info")
	v.SetDefault("fee_catalog_reload", "30s")
	v.SetDefault("arbitrage.quote_asset", "USDT")
	v.SetDefault("arbitrage.trade_notional_usd", 1000.0)
	v.SetDefault("arbitrage.min_gross_pct", 0.3)
	v.SetDefault("arbitrage.max_gross_pct", 10.0)
	v.SetDefault("arbitrage.min_profit_net_pct", 0.4)
	v.SetDefault("arbitrage.min_liquidity_usd", 5000.0)
	v.SetDefault("arbitrage.scan_interval", "2s")
	v.SetDefault("arbitrage.book_depth", 20)
	v.SetDefault("arbitrage.quote_max_age", "3s")
	v.SetDefault("arbitrage.fetch_timeout", "2s")
	v.SetDefault("arbitrage.max_concurrent_fetches", 8)
	v.SetDefault("arbitrage.analyzer_workers", 4)
	v.SetDefault("balance.refresh_interval", "30s")
	v.SetDefault("balance.reservation_ttl", "2h")
	v.SetDefault("rebalance.deposit_timeout", "30m")
	v.SetDefault("rebalance.poll_interval", "5s")
	v.SetDefault("rebalance.max_poll_interval", "1m")
	v.SetDefault("rebalance.max_polls", 120)
	v.SetDefault("rebalance.jit_funding", true)
	v.SetDefault("rebalance.dust_threshold_usd", 5.0)
	v.SetDefault("rebalance.dust_interval", "1h")
	v.SetDefault("execution.max_concurrent_plans", 4)
	v.SetDefault("execution.fill_tolerance_pct", 2.0)
	v.SetDefault("execution.transfer_retries", 5)
	v.SetDefault("execution.sell_retries", 5)
	v.SetDefault("execution.retry_interval", "2s")
	v.SetDefault("execution.max_retry_interval", "1m")
	v.SetDefault("execution.path_lock_ttl", "3h")
	v.SetDefault("history.dir", "history")
	v.SetDefault("server.addr", ":8080")
}

// LoadConfig reads configuration from file or environment variables. path may
// be a directory holding config.yaml or a file.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	setDefaults(v)

	if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(path)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CROSSARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}

	err = config.LoadCredentials()
	return
}

// LoadCredentials reads the dotenv credentials file, when set, and fills
// missing venue API keys from <EXCHANGE>_API_KEY and <EXCHANGE>_API_SECRET.
func (c *Config) LoadCredentials() error {
	if c.CredentialsPath != "" {
		if err := godotenv.Load(c.CredentialsPath); err != nil {
			return fmt.Errorf("config: load credentials %s: %w", c.CredentialsPath, err)
		}
	}
	for name, ex := range c.Exchanges {
		prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if ex.APIKey == "" {
			ex.APIKey = os.Getenv(prefix + "_API_KEY")
		}
		if ex.APISecret == "" {
			ex.APISecret = os.Getenv(prefix + "_API_SECRET")
		}
		c.Exchanges[name] = ex
	}
	return nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Mode != ModeDryRun && c.Mode != ModeLive {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeDryRun, ModeLive, c.Mode))
	}
	if len(c.Exchanges) < 2 {
		errs = append(errs, errors.New("at least two exchanges are required"))
	}
	a := c.Arbitrage
	if a.TradeNotionalUSD <= 0 {
		errs = append(errs, errors.New("arbitrage.trade_notional_usd must be positive"))
	}
	if a.MaxGrossPct <= a.MinGrossPct {
		errs = append(errs, fmt.Errorf("arbitrage.max_gross_pct (%v) must exceed min_gross_pct (%v)", a.MaxGrossPct, a.MinGrossPct))
	}
	if a.MinProfitNetPct < 0 {
		errs = append(errs, errors.New("arbitrage.min_profit_net_pct must not be negative"))
	}
	if a.ScanInterval <= 0 {
		errs = append(errs, errors.New("arbitrage.scan_interval must be positive"))
	}
	for _, p := range a.Pairs {
		if !strings.Contains(p, "/") {
			errs = append(errs, fmt.Errorf("arbitrage.pairs: %q is not BASE/QUOTE", p))
		}
	}
	if c.Execution.MaxConcurrentPlans <= 0 {
		errs = append(errs, errors.New("execution.max_concurrent_plans must be positive"))
	}
	if c.Execution.FillTolerancePct < 0 || c.Execution.FillTolerancePct >= 100 {
		errs = append(errs, errors.New("execution.fill_tolerance_pct must be within [0, 100)"))
	}
	if c.Mode == ModeLive && c.FeeCatalogPath == "" {
		errs = append(errs, errors.New("fee_catalog_path is required in live mode"))
	}
	for name, ex := range c.Exchanges {
		if ex.TakerFeePercent < 0 {
			errs = append(errs, fmt.Errorf("exchanges.%s.taker_fee_percent must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	out := c
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.History.Archive.AccessKey)
	redact(&out.History.Archive.SecretKey)
	redact(&out.Notify.TelegramToken)
	out.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		redact(&ex.APIKey)
		redact(&ex.APISecret)
		out.Exchanges[name] = ex
	}
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}

// TradingSubAccount returns the sub-account used for orders on the exchange.
func (e ExchangeConfig) TradingSubAccount() string {
	if e.TradingAccount != "" {
		return e.TradingAccount
	}
	return "spot"
}

// WithdrawSubAccount returns the sub-account funds must sit in to be withdrawn.
func (e ExchangeConfig) WithdrawSubAccount() string {
	if e.WithdrawAccount != "" {
		return e.WithdrawAccount
	}
	return e.TradingSubAccount()
}

// Accounts returns every sub-account the balance manager should poll.
func (e ExchangeConfig) Accounts() []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range append([]string{e.TradingSubAccount(), e.WithdrawSubAccount()}, e.SubAccounts...) {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
