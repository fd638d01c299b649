package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/autofeed/internal/db"
	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/ranking"
)

// BackendConfig selects and configures the listing store of a process.
type BackendConfig struct {
	// DatabaseURL selects PostgreSQL; empty selects the in-memory store.
	DatabaseURL string
	// RedisURL enables the total estimate cache; empty disables it.
	RedisURL string
	// MigrationsDir, when set, is applied after connecting to PostgreSQL.
	MigrationsDir string

	Thresholds         *ranking.Thresholds
	TotalEstimateRatio float64
	TotalCacheTTL      time.Duration
	Clock              func() time.Time
	Logger             *slog.Logger
}

// Backend is the opened storage stack.
type Backend struct {
	// Store serves feed queries, with the Redis total cache when configured.
	Store listing.Store
	// Views records listing detail views.
	Views listing.ViewRecorder
	// Inserter accepts seed data.
	Inserter Inserter

	// DB and Redis are nil when not configured.
	DB    *sql.DB
	Redis *redis.Client
}

// OpenBackend connects the configured stores. On error everything opened so
// far is closed.
func OpenBackend(ctx context.Context, cfg BackendConfig) (_ *Backend, err error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if cfg.DatabaseURL != "" {
		b.DB, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.MigrationsDir != "" {
			if err = db.ApplyMigrations(ctx, b.DB, cfg.MigrationsDir); err != nil {
				return nil, err
			}
		}
		pg := NewPostgresStore(b.DB, PostgresConfig{
			Thresholds:         cfg.Thresholds,
			Clock:              cfg.Clock,
			TotalEstimateRatio: cfg.TotalEstimateRatio,
			Logger:             cfg.Logger,
		})
		b.Store, b.Views, b.Inserter = pg, pg, pg
		cfg.Logger.Info("using postgres listing store")
	} else {
		opts := []MemoryOption{
			WithRanker(ranking.NewRanker(cfg.Thresholds, cfg.Logger)),
			WithTotalEstimateRatio(cfg.TotalEstimateRatio),
		}
		if cfg.Clock != nil {
			opts = append(opts, WithClock(cfg.Clock))
		}
		mem := NewMemoryStore(opts...)
		b.Store, b.Views, b.Inserter = mem, mem, mem
		cfg.Logger.Info("using in-memory listing store")
	}

	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid redis url: %w", perr)
		}
		b.Redis = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if perr := b.Redis.Ping(pingCtx).Err(); perr != nil {
			cfg.Logger.Warn("redis unreachable at startup, total cache will fall through", "error", perr)
		}
		b.Store = NewCachedTotalStore(b.Store, b.Redis, cfg.TotalCacheTTL, cfg.Logger)
	}

	return b, nil
}

// Close releases the database and Redis connections.
func (b *Backend) Close() error {
	var errs []error
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	if b.DB != nil {
		errs = append(errs, b.DB.Close())
	}
	return errors.Join(errs...)
}
