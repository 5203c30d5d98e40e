package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/internal/pgstore"
)

// NewDBPool builds the pgx pool and checks that a connection can be acquired
// within the acquisition timeout. It does not run migrations.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pgstore.Ping(ctx, pool, cfg.DBAcquireTimeout); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (c Config) storeOptions() []pgstore.Option {
	return []pgstore.Option{
		pgstore.WithSchema(c.DBSchema),
		pgstore.WithAcquireTimeout(c.DBAcquireTimeout),
		pgstore.WithStatementTimeout(c.DBStatementTimeout),
	}
}
