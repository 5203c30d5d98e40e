// Package migrations embeds the SQL schema and applies it with goose.
//
// Migrations run inside a single schema: Up opens a short-lived pool whose
// search_path points at that schema, so the SQL files stay unqualified and the
// goose version table lives next to the tables it describes.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"courier/cmd/internal/pgstore"
)

//go:embed sql/*.sql
var Migrations embed.FS

const dir = "sql"

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Up creates schema if needed and applies every pending migration.
func Up(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	return run(ctx, pool, schema, func(db *sql.DB) error {
		return goose.UpContext(ctx, db, dir)
	})
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	return run(ctx, pool, schema, func(db *sql.DB) error {
		return goose.DownContext(ctx, db, dir)
	})
}

// Version returns the current schema version.
func Version(ctx context.Context, pool *pgxpool.Pool, schema string) (int64, error) {
	var v int64
	err := run(ctx, pool, schema, func(db *sql.DB) error {
		var err error
		v, err = goose.GetDBVersionContext(ctx, db)
		return err
	})
	return v, err
}

func run(ctx context.Context, pool *pgxpool.Pool, schema string, fn func(*sql.DB) error) error {
	if pool == nil {
		return fmt.Errorf("migrations: nil pool")
	}
	if !pgstore.ValidIdent(schema) {
		return fmt.Errorf("migrations: invalid schema identifier %q", schema)
	}

	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("migrations: create schema: %w", err)
	}

	cfg := pool.Config()
	cfg.MaxConns = 1
	cfg.MinConns = 0
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	mpool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("migrations: open pool: %w", err)
	}
	defer mpool.Close()

	db := stdlib.OpenDBFromPool(mpool)
	defer func() { _ = db.Close() }()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("migrations: dialect: %w", err)
	}
	if err := fn(db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}
