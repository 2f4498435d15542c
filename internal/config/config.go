// Package config defines the top-level configuration for the loan monitor
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LOANBROKER_* environment
// variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Chain    ChainConfig    `toml:"chain"`
	S3       S3Config       `toml:"s3"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Queue    QueueConfig    `toml:"queue"`
	Notify   NotifyConfig   `toml:"notify"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// ChainConfig holds the RPC endpoint, lending contract, and liquidator
// wallet.
type ChainConfig struct {
	RPCURL          string `toml:"rpc_url"`
	ContractAddress string `toml:"contract_address"`
	ChainID         int64  `toml:"chain_id"`
	Network         string `toml:"network"`
	PrivateKey      string `toml:"private_key"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MonitorConfig tunes the position monitoring and liquidation engine.
type MonitorConfig struct {
	HealthInterval  duration `toml:"health_interval"`
	AccrualInterval duration `toml:"accrual_interval"`
	PriceInterval   duration `toml:"price_interval"`
	ArchiveInterval duration `toml:"archive_interval"`

	MinProfitUSD float64  `toml:"min_profit_usd"`
	GasUnits     uint64   `toml:"gas_units"`
	NativeSymbol string   `toml:"native_symbol"`
	Symbols      []string `toml:"symbols"`
	PriceTTL     duration `toml:"price_ttl"`
}

// QueueConfig tunes the job queue worker pool.
type QueueConfig struct {
	Workers      int      `toml:"workers"`
	PollInterval duration `toml:"poll_interval"`
}

// NotifyConfig holds notification channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig controls terminal-position archival to object storage.
type ArchiveConfig struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
}

// duration wraps time.Duration so config values can be written as "30s",
// "5m" etc. in TOML.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	d.Duration = v
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "loanbroker",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			ChainID: 11155111,
			Network: "sepolia",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "loanbroker-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Monitor: MonitorConfig{
			HealthInterval:  duration{30 * time.Second},
			AccrualInterval: duration{5 * time.Minute},
			PriceInterval:   duration{60 * time.Second},
			ArchiveInterval: duration{24 * time.Hour},
			MinProfitUSD:    50,
			GasUnits:        300_000,
			NativeSymbol:    "ETH",
			Symbols:         []string{"ETH", "WBTC", "USDC"},
			PriceTTL:        duration{5 * time.Minute},
		},
		Queue: QueueConfig{
			Workers:      4,
			PollInterval: duration{500 * time.Millisecond},
		},
		Notify: NotifyConfig{
			Events: []string{"health-warning", "liquidation", "error"},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"watch":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, watch)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres: either a DSN or discrete host parameters.
	if c.Postgres.DSN == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host is required when dsn is not set")
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database is required when dsn is not set")
		}
		if c.Postgres.User == "" {
			errs = append(errs, "postgres: user is required when dsn is not set")
		}
	}
	if c.Postgres.PoolMaxConns < c.Postgres.PoolMinConns {
		errs = append(errs, "postgres: pool_max_conns must be >= pool_min_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required")
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url is required")
	}
	if c.Chain.ContractAddress == "" {
		errs = append(errs, "chain: contract_address is required")
	}
	// The watch mode observes without submitting liquidations, so it can
	// run without a signing key.
	if strings.ToLower(c.Mode) == "monitor" && c.Chain.PrivateKey == "" {
		errs = append(errs, "chain: private_key is required for mode monitor")
	}

	if c.Monitor.MinProfitUSD < 0 {
		errs = append(errs, "monitor: min_profit_usd must not be negative")
	}
	if len(c.Monitor.Symbols) == 0 {
		errs = append(errs, "monitor: at least one price symbol is required")
	}
	if c.Monitor.HealthInterval.Duration <= 0 {
		errs = append(errs, "monitor: health_interval must be positive")
	}

	if c.Queue.Workers <= 0 {
		errs = append(errs, "queue: workers must be positive")
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required when archive is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			errs = append(errs, "archive: retention_days must be positive")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
