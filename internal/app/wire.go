package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/clmmbot/internal/blob/s3"
	"github.com/alanyoungcy/clmmbot/internal/cache/redis"
	"github.com/alanyoungcy/clmmbot/internal/config"
	"github.com/alanyoungcy/clmmbot/internal/crypto"
	"github.com/alanyoungcy/clmmbot/internal/domain"
	"github.com/alanyoungcy/clmmbot/internal/ledger"
	"github.com/alanyoungcy/clmmbot/internal/ledger/evm"
	"github.com/alanyoungcy/clmmbot/internal/ledger/paper"
	"github.com/alanyoungcy/clmmbot/internal/metrics"
	"github.com/alanyoungcy/clmmbot/internal/notify"
	"github.com/alanyoungcy/clmmbot/internal/oracle"
	"github.com/alanyoungcy/clmmbot/internal/server/handler"
	"github.com/alanyoungcy/clmmbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional backends are left nil when disabled.
type Dependencies struct {
	// Stores
	CycleStore domain.CycleStore
	AuditStore domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter  domain.BlobWriter
	BlobChecker domain.BlobChecker
	Archiver    domain.Archiver

	// Chain
	Oracle domain.PriceOracle
	Ledger domain.LedgerGateway

	// Observability
	Notifier     *notify.Notifier
	Metrics      *metrics.Recorder
	HealthChecks map[string]handler.Pinger
}

// needsChain returns true for modes that drive the engine.
func needsChain(mode string) bool {
	return mode == "run"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics:      metrics.NewRecorder(),
		HealthChecks: map[string]handler.Pinger{},
	}

	// --- PostgreSQL ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.CycleStore = postgres.NewCycleStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}

		store := s3blob.NewStore(s3Client)
		deps.BlobWriter = store
		deps.BlobChecker = store
		deps.HealthChecks["s3"] = s3Client.Health

		// Archiving needs the cycle history to read from.
		if deps.CycleStore != nil {
			deps.Archiver = s3blob.NewCycleArchiver(
				deps.CycleStore,
				deps.BlobWriter,
				deps.BlobChecker,
				deps.AuditStore,
				s3blob.ArchiverOptions{Prefix: cfg.S3.Prefix, Prune: cfg.S3.Prune},
				logger,
			)
		}
	}

	// --- Ledger and price feed ---
	if needsChain(cfg.Mode) {
		gw, feed, closeLedger, err := wireLedger(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		if closeLedger != nil {
			closers = append(closers, closeLedger)
		}
		deps.Ledger = ledger.WithRetry(gw, ledger.RetryPolicy{
			Attempts:  cfg.Ledger.RetryAttempts,
			BaseDelay: cfg.Ledger.RetryBaseDelay.Duration,
			MaxDelay:  cfg.Ledger.RetryMaxDelay.Duration,
		}, logger)

		// The evm ledger prices from its own pool; the paper ledger follows
		// the Raydium feed.
		if feed == nil {
			feed = oracle.NewRaydiumOracle(oracle.Options{
				URL:               cfg.Oracle.URL,
				Timeout:           cfg.Oracle.Timeout.Duration,
				RetryCount:        cfg.Oracle.RetryCount,
				RetryWait:         cfg.Oracle.RetryWait.Duration,
				IncludeUnofficial: cfg.Oracle.IncludeUnofficial,
			}, logger)
		}
		if deps.PriceCache != nil {
			feed = oracle.NewRecordingOracle(feed, deps.PriceCache, logger)
		}
		deps.Oracle = feed
	}

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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Prefix, logger)

	return deps, cleanup, nil
}

// wireLedger builds the configured ledger gateway, the price oracle that
// belongs to it when the ledger has one, and a closer, if any.
func wireLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.LedgerGateway, domain.PriceOracle, func(), error) {
	switch cfg.Ledger.Kind {
	case "paper":
		return paper.New(cfg.Pool.AssetA, cfg.Pool.AssetB, cfg.Paper.BalanceA, cfg.Paper.BalanceB, logger), nil, nil, nil

	case "evm":
		wallet, err := crypto.LoadWallet(crypto.KeySource{
			RawPrivateKey: cfg.Wallet.PrivateKey,
			KeystorePath:  cfg.Wallet.KeystorePath,
			Password:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		gw, err := evm.Dial(ctx, evm.Config{
			RPCURL:          cfg.Ledger.RPCURL,
			ChainID:         cfg.Ledger.ChainID,
			PositionManager: cfg.Ledger.PositionManager,
			AssetA:          cfg.Pool.AssetA,
			AssetB:          cfg.Pool.AssetB,
			Fee:             cfg.Ledger.Fee,
			TickSpacing:     cfg.Ledger.TickSpacing,
			TxDeadline:      cfg.Ledger.TxDeadline.Duration,
			GasBufferPct:    cfg.Ledger.GasBufferPct,
			ReceiptPoll:     cfg.Ledger.ReceiptPoll.Duration,
		}, wallet, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("wire: evm ledger: %w", err)
		}
		feed, err := gw.PoolOracle(ctx, cfg.Pool.ID)
		if err != nil {
			gw.Close()
			return nil, nil, nil, fmt.Errorf("wire: evm pool oracle: %w", err)
		}
		return gw, feed, gw.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("wire: unknown ledger kind %q", cfg.Ledger.Kind)
	}
}
