// Package storage opens the configured ports.KeyValueStore adapter.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dejobratic/purchasesync/internal/database"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/dejobratic/purchasesync/internal/storage/leveldb"
	"github.com/dejobratic/purchasesync/internal/storage/memory"
	"github.com/dejobratic/purchasesync/internal/storage/postgres"
	redisstore "github.com/dejobratic/purchasesync/internal/storage/redis"
	"github.com/dejobratic/purchasesync/internal/storage/sqlite"
	"github.com/redis/go-redis/v9"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverLevelDB  = "leveldb"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

type Config struct {
	Driver      string
	Path        string
	DatabaseURL string
	AutoMigrate bool
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
}

// Handle owns an opened store and the resources behind it.
type Handle struct {
	Store  ports.KeyValueStore
	Driver string
	closer func() error
	health func(ctx context.Context) error
}

func (h *Handle) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer()
}

// CheckHealth reports whether the underlying database is reachable.
func (h *Handle) CheckHealth(ctx context.Context) error {
	if h.health == nil {
		return nil
	}
	return h.health(ctx)
}

func Open(ctx context.Context, cfg Config) (*Handle, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return &Handle{Store: memory.NewStore(), Driver: DriverMemory}, nil

	case DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return &Handle{Store: store, Driver: cfg.Driver, closer: store.Close, health: store.Ping}, nil

	case DriverLevelDB:
		store, err := leveldb.Open(filepath.Clean(cfg.Path))
		if err != nil {
			return nil, err
		}
		return &Handle{Store: store, Driver: cfg.Driver, closer: store.Close}, nil

	case DriverPostgres:
		if cfg.AutoMigrate {
			if err := database.RunMigrations(cfg.DatabaseURL, postgres.Migrations()); err != nil {
				return nil, err
			}
		}
		pool, err := database.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &Handle{
			Store:  postgres.NewStore(pool),
			Driver: cfg.Driver,
			closer: func() error { pool.Close(); return nil },
			health: func(ctx context.Context) error { return database.Ping(ctx, pool) },
		}, nil

	case DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &Handle{
			Store:  redisstore.NewStore(client, cfg.RedisPrefix),
			Driver: cfg.Driver,
			closer: client.Close,
			health: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
