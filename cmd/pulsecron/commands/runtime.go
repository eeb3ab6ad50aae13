package commands

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/pulsecron/am"
	"github.com/teranos/pulsecron/db"
	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/lock"
	"github.com/teranos/pulsecron/pulse/schedule"
	"github.com/teranos/pulsecron/pulse/schedule/pgstore"
)

// loadConfig loads and validates the configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// openStorage opens and migrates the configured backend. The returned
// function closes it.
func openStorage(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (schedule.Storage, func(), error) {
	switch cfg.Database.Driver {
	case am.DriverPostgres:
		store, err := pgstore.New(ctx, cfg.Database.URL, pgstore.WithLogger(logger.AddDBSymbol(log)))
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	case am.DriverSQLite, "":
		database, err := db.OpenWithMigrations(cfg.Database.Path, log)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
		}
		return schedule.NewStore(database), func() { database.Close() }, nil

	default:
		return nil, nil, errors.NewInvalidRequestError("unsupported database driver %q", cfg.Database.Driver)
	}
}

// openLocks returns the Redis lock provider, or nil when no address is
// configured.
func openLocks(ctx context.Context, cfg am.RedisConfig, log *zap.SugaredLogger) (lock.Provider, func(), error) {
	if cfg.Addr == "" {
		log.Infow("No redis.addr configured, skip_if_running locks are process-local")
		return lock.NewMemoryProvider(), func() {}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	provider := lock.NewRedisProvider(client)
	if err := provider.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, errors.Wrapf(err, "redis at %s unreachable", cfg.Addr)
	}

	log.Infow("Using redis lock provider", logger.FieldAddress, cfg.Addr)
	return provider, func() { client.Close() }, nil
}
