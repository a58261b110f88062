package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"barmirror/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for barmirror.
type Config struct {
	Market   string         `yaml:"market"`
	Provider ProviderConfig `yaml:"provider"`
	Storage  Storage        `yaml:"storage"`
	Logging  Logging        `yaml:"logging"`
	Sync     SyncConfig     `yaml:"sync"`
	Schedule Schedule       `yaml:"schedule"`
}

// ProviderConfig holds credentials for the upstream market-data providers.
// Only the provider matching Market is used.
type ProviderConfig struct {
	Tushare Tushare `yaml:"tushare"`
	Alpaca  Alpaca  `yaml:"alpaca"`
}

// Tushare holds the Tushare Pro token and endpoint.
type Tushare struct {
	Token  string `yaml:"token"`
	URL    string `yaml:"url"`
	RowCap int    `yaml:"row_cap"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Storage selects and configures the bar store backend.
type Storage struct {
	Backend     string `yaml:"backend"` // sqlite, postgres or parquet
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
	DataDir     string `yaml:"data_dir"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig controls the synchronization engine.
type SyncConfig struct {
	// StartDate is the global history start; empty means each security's
	// own listing date.
	StartDate             string   `yaml:"start_date"`
	RetryCount            int      `yaml:"retry_count"`
	RetryDelaySeconds     int      `yaml:"retry_delay_seconds"`
	RetryMultiplier       float64  `yaml:"retry_multiplier"`
	Granularities         []string `yaml:"granularities"`
	MaxWorkers            int      `yaml:"max_workers"`
	RateLimitPerMin       int      `yaml:"rate_limit_per_min"`
	RateLimitBurst        int      `yaml:"rate_limit_burst"`
	Exchange              string   `yaml:"exchange"`
	ReconcileLookbackDays int      `yaml:"reconcile_lookback_days"`
	ReportDir             string   `yaml:"report_dir"`
}

// Schedule holds the cron expressions of the scheduler daemon.
type Schedule struct {
	Timezone   string `yaml:"timezone"`
	UpdateCron string `yaml:"update_cron"`
	FixCron    string `yaml:"fix_cron"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
// A missing file is not an error; the environment alone may configure a run.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MARKET"); v != "" {
		cfg.Market = v
	}

	if v := os.Getenv("TUSHARE_TOKEN"); v != "" {
		cfg.Provider.Tushare.Token = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Provider.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Provider.Alpaca.APISecret = v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("SYNC_START_DATE"); v != "" {
		cfg.Sync.StartDate = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Provider.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Provider.Alpaca.APISecret = v
	}
}

// applyDefaults fills every unset field with its documented default.
func applyDefaults(cfg *Config) {
	if cfg.Market == "" {
		cfg.Market = string(domain.MarketCN)
	}
	if cfg.Provider.Tushare.URL == "" {
		cfg.Provider.Tushare.URL = "http://api.tushare.pro"
	}
	if cfg.Provider.Tushare.RowCap == 0 {
		cfg.Provider.Tushare.RowCap = 5000
	}
	if cfg.Provider.Alpaca.Feed == "" {
		cfg.Provider.Alpaca.Feed = "iex"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/barmirror.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Sync.RetryCount == 0 {
		cfg.Sync.RetryCount = 3
	}
	if cfg.Sync.RetryDelaySeconds == 0 {
		cfg.Sync.RetryDelaySeconds = 3
	}
	if cfg.Sync.RetryMultiplier == 0 {
		cfg.Sync.RetryMultiplier = 1
	}
	if len(cfg.Sync.Granularities) == 0 {
		cfg.Sync.Granularities = []string{string(domain.Min30), string(domain.Daily)}
	}
	if cfg.Sync.MaxWorkers == 0 {
		cfg.Sync.MaxWorkers = 1
	}
	if cfg.Sync.RateLimitBurst == 0 {
		cfg.Sync.RateLimitBurst = 1
	}
	if cfg.Sync.Exchange == "" {
		cfg.Sync.Exchange = domain.Market(cfg.Market).DefaultExchange()
	}
	if cfg.Sync.ReconcileLookbackDays == 0 {
		cfg.Sync.ReconcileLookbackDays = 30
	}
	if cfg.Schedule.Timezone == "" {
		cfg.Schedule.Timezone = domain.Market(cfg.Market).Location().String()
	}
	if cfg.Schedule.UpdateCron == "" {
		cfg.Schedule.UpdateCron = "0 16 * * 1-5"
	}
	if cfg.Schedule.FixCron == "" {
		cfg.Schedule.FixCron = "0 2 * * 0"
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// placeholderMarker is the prefix of the credential placeholders shipped in
// the example configuration file.
const placeholderMarker = "YOUR_"

// Validate checks that the configuration can drive a sync run. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch domain.Market(c.Market) {
	case domain.MarketCN:
		if missingSecret(c.Provider.Tushare.Token) {
			errs = append(errs, errors.New("provider.tushare.token is required"))
		}
	case domain.MarketUS:
		if missingSecret(c.Provider.Alpaca.APIKey) || missingSecret(c.Provider.Alpaca.APISecret) {
			errs = append(errs, errors.New("provider.alpaca.api_key and api_secret are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("market %q is not one of cn, us", c.Market))
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required"))
		}
	case "postgres":
		if missingSecret(c.Storage.PostgresURL) {
			errs = append(errs, errors.New("storage.postgres_url is required"))
		}
	case "parquet":
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of sqlite, postgres, parquet", c.Storage.Backend))
	}

	if c.Sync.StartDate != "" {
		if _, err := domain.ParseDate(c.Sync.StartDate); err != nil {
			errs = append(errs, fmt.Errorf("sync.start_date: %w", err))
		}
	}
	if _, err := c.Granularities(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.RetryCount < 1 {
		errs = append(errs, errors.New("sync.retry_count must be at least 1"))
	}
	if c.Sync.RetryDelaySeconds < 0 {
		errs = append(errs, errors.New("sync.retry_delay_seconds must not be negative"))
	}
	if c.Sync.RateLimitBurst < 1 {
		errs = append(errs, errors.New("sync.rate_limit_burst must be at least 1"))
	}
	if c.Sync.MaxWorkers < 1 {
		errs = append(errs, errors.New("sync.max_workers must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}

	return errors.Join(errs...)
}

func missingSecret(v string) bool {
	return strings.TrimSpace(v) == "" || strings.HasPrefix(v, placeholderMarker)
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// StartDate returns the parsed global start date, or the zero time when each
// security's listing date applies.
func (c *Config) StartDate() time.Time {
	if c.Sync.StartDate == "" {
		return time.Time{}
	}
	t, err := domain.ParseDate(c.Sync.StartDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Granularities returns the configured granularities in sync order.
func (c *Config) Granularities() ([]domain.Granularity, error) {
	out := make([]domain.Granularity, 0, len(c.Sync.Granularities))
	for _, s := range c.Sync.Granularities {
		g, err := domain.ParseGranularity(s)
		if err != nil {
			return nil, fmt.Errorf("sync.granularities: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

// RetryDelay returns the pause between fetch attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Sync.RetryDelaySeconds) * time.Second
}
