// Package pgstore holds the pgx plumbing shared by the Postgres-backed stores:
// schema-qualified identifiers, bounded connection acquisition and
// classification of driver errors into the apperr taxonomy.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/internal/apperr"
)

const (
	DefaultSchema         = "courier"
	DefaultAcquireTimeout = 3 * time.Second
	DefaultStmtTimeout    = 30 * time.Second
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DB wraps a caller-owned pool. It never closes the pool.
type DB struct {
	pool           *pgxpool.Pool
	schema         string
	acquireTimeout time.Duration
	stmtTimeout    time.Duration
}

// Option configures a DB.
type Option func(*DB) error

// WithSchema sets the schema used for table names (default "courier").
func WithSchema(schema string) Option {
	return func(d *DB) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("pgstore: empty schema")
		}
		if !ValidIdent(schema) {
			return fmt.Errorf("pgstore: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// WithAcquireTimeout bounds the wait for a pooled connection.
func WithAcquireTimeout(t time.Duration) Option {
	return func(d *DB) error {
		if t > 0 {
			d.acquireTimeout = t
		}
		return nil
	}
}

// WithStatementTimeout bounds a dispatched statement once it runs detached
// from the caller's cancellation.
func WithStatementTimeout(t time.Duration) Option {
	return func(d *DB) error {
		if t > 0 {
			d.stmtTimeout = t
		}
		return nil
	}
}

// New builds a DB over pool.
func New(pool *pgxpool.Pool, opts ...Option) (*DB, error) {
	d := &DB{
		pool:           pool,
		schema:         DefaultSchema,
		acquireTimeout: DefaultAcquireTimeout,
		stmtTimeout:    DefaultStmtTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, fmt.Errorf("pgstore: nil pool")
	}
	return d, nil
}

// Schema returns the configured schema name.
func (d *DB) Schema() string { return d.schema }

// Table returns the quoted, schema-qualified name of table.
func (d *DB) Table(name string) string {
	return pgx.Identifier{d.schema, name}.Sanitize()
}

// Do acquires a connection within the acquisition timeout and runs fn on it.
//
// The caller's cancellation is honoured only while waiting for the
// connection. Once fn is dispatched it runs on a context detached from the
// caller (bounded by the statement timeout), so a client disconnect never
// leaves a half-applied write. Acquisition failures and connection-level
// errors come back wrapped as apperr.ErrTransient.
func (d *DB) Do(ctx context.Context, op string, fn func(ctx context.Context, c *pgxpool.Conn) error) error {
	actx, cancel := context.WithTimeout(ctx, d.acquireTimeout)
	conn, err := d.pool.Acquire(actx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Wrap(op, apperr.ErrTransient, err)
	}
	defer conn.Release()

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), d.stmtTimeout)
	defer scancel()

	if err := fn(sctx, conn); err != nil {
		if IsTransient(err) {
			return apperr.Wrap(op, apperr.ErrTransient, err)
		}
		return err
	}
	return nil
}

// Ping checks that a connection can be acquired within timeout.
func Ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}

// ValidIdent reports whether s is a plain Postgres identifier.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// UniqueViolation returns the violated constraint name for SQLSTATE 23505.
func UniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}
	return strings.ToLower(pgErr.ConstraintName), true
}

// ForeignKeyViolation returns the violated constraint name for SQLSTATE 23503.
func ForeignKeyViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23503" {
		return "", false
	}
	return strings.ToLower(pgErr.ConstraintName), true
}

// CheckViolation reports SQLSTATE 23514.
func CheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

// IsTransient reports whether err means the database could not be reached
// or dropped the connection, as opposed to rejecting the statement.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperr.ErrTransient) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03": // shutdown, cannot connect now
			return true
		case pgErr.Code == "53300": // too_many_connections
			return true
		}
		return false
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
