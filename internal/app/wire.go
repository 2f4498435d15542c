package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/dedlyfi/loanbroker/internal/blob/s3"
	"github.com/dedlyfi/loanbroker/internal/cache/redis"
	"github.com/dedlyfi/loanbroker/internal/chain"
	"github.com/dedlyfi/loanbroker/internal/config"
	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/notify"
	"github.com/dedlyfi/loanbroker/internal/oracle"
	"github.com/dedlyfi/loanbroker/internal/queue"
	"github.com/dedlyfi/loanbroker/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	PositionStore  domain.PositionStore
	FeeConfigStore domain.FeeConfigStore

	// Caches
	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	Suppressor  domain.WarnSuppressor

	// Chain
	ChainReader domain.ChainReader
	ChainWriter domain.ChainWriter // nil in watch mode
	PriceSource domain.PriceSource

	// Blob storage
	Archiver domain.Archiver // nil when archival is disabled

	// Queue
	Queue *queue.Queue

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.FeeConfigStore = postgres.NewFeeConfigStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Monitor.PriceTTL.Duration)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.Suppressor = redis.NewWarnSuppressor(redisClient)

	// --- Chain ---
	chainClient, err := chain.NewClient(ctx, chain.ClientConfig{
		RPCURL:          cfg.Chain.RPCURL,
		ContractAddress: cfg.Chain.ContractAddress,
		ChainID:         cfg.Chain.ChainID,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: chain: %w", err)
	}
	closers = append(closers, chainClient.Close)

	deps.ChainReader = chain.NewReader(chainClient)
	if strings.ToLower(cfg.Mode) == "monitor" {
		writer, err := chain.NewWriter(chainClient, cfg.Chain.PrivateKey)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain writer: %w", err)
		}
		deps.ChainWriter = writer
	}

	deps.PriceSource = oracle.NewCoinGecko("")

	// --- S3 blob storage (only when archival is enabled) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.PositionStore,
			logger,
		)
	}

	// --- Queue ---
	deps.Queue = queue.New(redisClient, cfg.Queue.Workers, cfg.Queue.PollInterval.Duration, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
