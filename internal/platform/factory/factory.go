// Package factory constructs the storage and cache adapters selected by
// configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/dialogd/dialogd/internal/cache"
	badgercache "github.com/dialogd/dialogd/internal/cache/badger"
	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/store"
	"github.com/dialogd/dialogd/internal/store/postgres"
	"github.com/dialogd/dialogd/internal/store/sqlite"
)

// NewStore opens the durable store named by cfg.DBDriver.
func NewStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return sqlite.New(cfg.SQLitePath)
	case "postgres":
		return postgres.New(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER: %s", cfg.DBDriver)
	}
}

// NewCache opens the hot-context cache. An empty cache path disables
// caching entirely.
func NewCache(cfg *config.Config) (cache.Cache, error) {
	if cfg.CachePath == "" {
		return cache.Noop{}, nil
	}
	return badgercache.New(cfg.CachePath)
}
