package bootstrap

import (
	"context"
	"fmt"
	"time"

	"ams/config"
	"ams/core"
	"ams/service"
	"ams/storage"

	"go.uber.org/zap"
)

const treeCachePingTimeout = 5 * time.Second

// InitSQLite opens the SQLite database and applies the schema.
func InitSQLite(dirs DataDirectories, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(dirs.SQLite, sugar)
	if err != nil {
		printFatalBanner("SQLite Initialization Failed", ClassifySQLiteError(err, dirs.SQLite))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Infow("SQLite initialized successfully", "path", dirs.SQLite)
	return sqlite, nil
}

// InitTreeCache connects the optional Redis tree cache. It returns nil when the
// cache is disabled. In graceful mode an unreachable Redis is logged and the
// server continues without a cache.
func InitTreeCache(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*core.TreeCache, error) {
	if !cfg.Redis.Enabled {
		sugar.Info("Tree cache disabled")
		return nil, nil
	}

	cache := core.NewTreeCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.TreeTTL, sugar)

	pingCtx, cancel := context.WithTimeout(ctx, treeCachePingTimeout)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		cache.Close()
		if cfg.IsGracefulMode() {
			sugar.Warnw("Tree cache unavailable, continuing without it",
				"addr", cfg.Redis.Addr,
				"error", err)
			return nil, nil
		}
		printFatalBanner("Redis Connection Failed", ClassifyRedisError(err, cfg.Redis.Addr))
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	sugar.Infow("Tree cache connected", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TreeTTL)
	return cache, nil
}

// InitServices builds the stores and the service layer over an open database.
// cache may be nil.
func InitServices(cfg *config.Config, sqlite *storage.SQLite, cache *core.TreeCache, sugar *zap.SugaredLogger) (*service.Services, error) {
	stores, err := service.NewStores(sqlite, cfg.Storage.ReferenceCacheSize, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	// A nil *TreeCache must not become a non-nil interface
	var treeCache service.TreeCache
	if cache != nil {
		treeCache = cache
	}

	return service.NewServices(stores, core.SystemClock{}, treeCache, sugar), nil
}
