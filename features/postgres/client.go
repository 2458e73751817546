// Package postgres provides the shared PostgreSQL client used by the durable
// feature stores: connection setup, idempotent schema provisioning, the
// store-wide admission lock and a transaction helper.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
	"goa.design/clue/health"
)

// Client participates in the service health report.
var _ health.Pinger = (*Client)(nil)

//go:embed schema.sql
var schemaSQL string

// AdmissionLockKey is the lock_key of the single row serializing admission
// control across all processes.
const AdmissionLockKey = "global"

type (
	// Options configures a Client. Exactly one of DSN or DB must be set.
	Options struct {
		// DSN is the PostgreSQL connection string.
		DSN string
		// DB is an existing database handle to wrap instead of opening one.
		// The caller keeps ownership; Close does not close it.
		DB *sql.DB
		// MaxOpenConns bounds the pool. Zero keeps the driver default.
		MaxOpenConns int
		// MaxIdleConns bounds idle pooled connections. Zero keeps the driver
		// default.
		MaxIdleConns int
		// ConnMaxLifetime recycles connections older than this. Zero keeps
		// connections indefinitely.
		ConnMaxLifetime time.Duration
	}

	// Client wraps a database handle with the helpers the feature stores
	// share. It implements health.Pinger.
	Client struct {
		db     *sql.DB
		ownsDB bool
	}
)

// New validates opts and returns a ready client. The connection is not
// exercised here; use Ping or EnsureSchema to verify reachability.
func New(opts Options) (*Client, error) {
	if opts.DB != nil {
		if opts.DSN != "" {
			return nil, errors.New("DSN and DB are mutually exclusive")
		}
		return &Client{db: opts.DB}, nil
	}
	if opts.DSN == "" {
		return nil, errors.New("DSN is required")
	}
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Client{db: db, ownsDB: true}, nil
}

// DB exposes the underlying handle for the feature stores.
func (c *Client) DB() *sql.DB { return c.db }

// Close releases the connection pool when the client owns it.
func (c *Client) Close() error {
	if !c.ownsDB {
		return nil
	}
	return c.db.Close()
}

// Name implements health.Pinger.
func (c *Client) Name() string { return "postgres" }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// EnsureSchema provisions the tables and indexes. All statements are
// idempotent, so it is safe to call on every startup.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to provision schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback() //nolint:errcheck
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}

// AcquireAdmissionLock takes the store-wide admission row lock inside tx. The
// lock is held until the transaction commits or rolls back. The lock row is
// created on first use.
func AcquireAdmissionLock(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_run_locks (lock_key) VALUES ($1) ON CONFLICT (lock_key) DO NOTHING`,
		AdmissionLockKey,
	); err != nil {
		return fmt.Errorf("failed to ensure admission lock row: %w", err)
	}
	var key string
	if err := tx.QueryRowContext(ctx,
		`SELECT lock_key FROM agent_run_locks WHERE lock_key = $1 FOR UPDATE`,
		AdmissionLockKey,
	).Scan(&key); err != nil {
		return fmt.Errorf("failed to acquire admission lock: %w", err)
	}
	return nil
}

// IsNotReady reports whether err indicates the database is unreachable or the
// schema has not been provisioned, as opposed to a real query failure.
func IsNotReady(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42P01": // undefined_table
			return true
		case pqErr.Code == "3D000": // invalid_catalog_name
			return true
		case pqErr.Code == "57P03": // cannot_connect_now
			return true
		case pqErr.Code.Class() == "08": // connection exceptions
			return true
		}
	}
	return false
}
