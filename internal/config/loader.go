package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LOANBROKER_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LOANBROKER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LOANBROKER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LOANBROKER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LOANBROKER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LOANBROKER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LOANBROKER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LOANBROKER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LOANBROKER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LOANBROKER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LOANBROKER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LOANBROKER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LOANBROKER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LOANBROKER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LOANBROKER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LOANBROKER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LOANBROKER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LOANBROKER_REDIS_TLS_ENABLED")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "LOANBROKER_CHAIN_RPC_URL")
	setStr(&cfg.Chain.ContractAddress, "LOANBROKER_CHAIN_CONTRACT_ADDRESS")
	setInt64(&cfg.Chain.ChainID, "LOANBROKER_CHAIN_ID")
	setStr(&cfg.Chain.Network, "LOANBROKER_CHAIN_NETWORK")
	setStr(&cfg.Chain.PrivateKey, "LOANBROKER_CHAIN_PRIVATE_KEY")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LOANBROKER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LOANBROKER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LOANBROKER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LOANBROKER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LOANBROKER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LOANBROKER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LOANBROKER_S3_FORCE_PATH_STYLE")

	// ── Monitor ──
	setDuration(&cfg.Monitor.HealthInterval, "LOANBROKER_MONITOR_HEALTH_INTERVAL")
	setDuration(&cfg.Monitor.AccrualInterval, "LOANBROKER_MONITOR_ACCRUAL_INTERVAL")
	setDuration(&cfg.Monitor.PriceInterval, "LOANBROKER_MONITOR_PRICE_INTERVAL")
	setDuration(&cfg.Monitor.ArchiveInterval, "LOANBROKER_MONITOR_ARCHIVE_INTERVAL")
	setFloat64(&cfg.Monitor.MinProfitUSD, "LOANBROKER_MONITOR_MIN_PROFIT_USD")
	setUint64(&cfg.Monitor.GasUnits, "LOANBROKER_MONITOR_GAS_UNITS")
	setStr(&cfg.Monitor.NativeSymbol, "LOANBROKER_MONITOR_NATIVE_SYMBOL")
	setStringSlice(&cfg.Monitor.Symbols, "LOANBROKER_MONITOR_SYMBOLS")
	setDuration(&cfg.Monitor.PriceTTL, "LOANBROKER_MONITOR_PRICE_TTL")

	// ── Queue ──
	setInt(&cfg.Queue.Workers, "LOANBROKER_QUEUE_WORKERS")
	setDuration(&cfg.Queue.PollInterval, "LOANBROKER_QUEUE_POLL_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LOANBROKER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LOANBROKER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LOANBROKER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LOANBROKER_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LOANBROKER_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LOANBROKER_ARCHIVE_RETENTION_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LOANBROKER_MODE")
	setStr(&cfg.LogLevel, "LOANBROKER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
