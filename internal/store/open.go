package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenOptions selects and tunes the storage backend.
type OpenOptions struct {
	Driver      string
	DatabaseURL string
	MaxConns    int32
	AutoMigrate bool
}

// Open returns the repository for the configured driver and a function that releases it.
// "memory" keeps everything in process and is meant for local runs and tests.
func Open(ctx context.Context, opts OpenOptions, logger *slog.Logger) (Repository, func(), error) {
	if opts.Driver == "memory" {
		logger.Warn("using in-memory storage; data is lost on restart", "component", "bootstrap")
		return NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(opts.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = opts.MaxConns
	poolConfig.MinConns = opts.MaxConns / 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", "component", "bootstrap", "max_conns", poolConfig.MaxConns)

	if opts.AutoMigrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrations applied", "component", "bootstrap")
	}

	return NewPostgresRepository(pool), pool.Close, nil
}
