package bootstrap

import (
	"context"
	"fmt"
	"time"

	"mailsync/adapter/out/messaging"
	"mailsync/adapter/out/persistence"
	"mailsync/adapter/out/provider"
	"mailsync/config"
	"mailsync/core/port/out"
	"mailsync/core/service/mailsync"
	"mailsync/infra/database"
	"mailsync/pkg/crypto"
	"mailsync/pkg/logger"
	"mailsync/pkg/metrics"
	"mailsync/pkg/ratelimit"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Dependencies holds everything the worker and the CLI commands share.
type Dependencies struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client

	Store  *persistence.Store
	Queue  out.Queue
	Quota  *mailsync.Admission
	Gmail  *provider.GmailAdapter
	Tokens *provider.TokenProvider

	Engine  *mailsync.Engine
	Metrics *metrics.SyncMetrics
}

// NewDependencies opens storage, queue and provider clients and builds the
// sync engine. The returned cleanup closes them in reverse order.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
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

	log := logger.Component("bootstrap")

	// =========================================================================
	// Database
	// =========================================================================
	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	closers = append(closers, func() {
		metrics.UnregisterPool("main")
		db.Close()
	})
	if err := database.Migrate(ctx, db); err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}
	metrics.RegisterPool("main", db.DB)
	deps.DB = db
	log.Info().Str("dialect", string(database.DialectFor(cfg.Database.URL))).Msg("database ready")

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return fail(fmt.Errorf("encryptor: %w", err))
		}
	} else {
		log.Warn().Msg("encryption key not set, tokens stored in plaintext")
	}
	deps.Store = persistence.NewStore(db, cfg.Database.CallTimeout, enc)

	// Redis (선택): 쿼터 카운터 + redis 큐 공유
	if cfg.Database.RedisURL != "" {
		rdb, err := database.NewRedis(cfg.Database.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		closers = append(closers, func() { rdb.Close() })
		deps.Redis = rdb
	}

	// =========================================================================
	// Queue
	// =========================================================================
	queue, err := messaging.Open(ctx, messaging.Options{
		URL:        cfg.Queue.URL,
		Stream:     cfg.Queue.Stream,
		Group:      cfg.Queue.Group,
		Consumer:   cfg.Worker.ID,
		Block:      time.Duration(cfg.Worker.BlockMS) * time.Millisecond,
		Visibility: cfg.Worker.VisibilityTimeout,
		Redis:      deps.Redis,
		Logger:     logger.Component("queue"),
	})
	if err != nil {
		return fail(fmt.Errorf("open queue: %w", err))
	}
	closers = append(closers, func() { queue.Close() })
	deps.Queue = queue

	// =========================================================================
	// Quota / Provider
	// =========================================================================
	var counter out.QuotaCounter
	if deps.Redis != nil {
		counter = ratelimit.NewQuotaCounter(deps.Redis)
	} else {
		log.Warn().Msg("redis not configured, quota is enforced per process")
		counter = ratelimit.NewMemoryQuotaCounter()
	}
	deps.Quota = mailsync.NewAdmission(counter, cfg.Quota.UnitsPerWindow, cfg.Quota.Window)

	deps.Gmail = provider.NewGmailAdapter(&provider.GmailConfig{
		QPS:         cfg.Provider.QPS,
		CallTimeout: cfg.Provider.CallTimeout,
		Logger:      logger.Component("provider"),
	})
	deps.Tokens = provider.NewTokenProvider(&provider.OAuthConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
	}, deps.Store.Links(), logger.Component("oauth"))

	// =========================================================================
	// Engine
	// =========================================================================
	deps.Engine = mailsync.NewEngine(&mailsync.Deps{
		Store:    deps.Store,
		Provider: deps.Gmail,
		Tokens:   deps.Tokens,
		Queue:    deps.Queue,
		Quota:    deps.Quota,
		Logger:   logger.Component("mailsync"),
	}, cfg.Backfill.PageSize)
	deps.Metrics = metrics.NewSyncMetrics(1000)

	return deps, cleanup, nil
}

// MigrateOnly applies the schema without building the rest of the stack.
func MigrateOnly(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log := logger.Component("bootstrap")
	log.Info().Str("dialect", string(database.DialectFor(cfg.Database.URL))).Msg("schema applied")
	return nil
}
