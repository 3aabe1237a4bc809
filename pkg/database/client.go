// Package database provides the PostgreSQL connection pool and migration
// utilities.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Client wraps the pgx connection pool. Repositories in pkg/services share
// the pool; the NOTIFY listener opens its own dedicated connection from
// ConnString.
type Client struct {
	pool       *pgxpool.Pool
	connString string
}

// Pool returns the shared connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// ConnString returns the connection string the pool was built from, for
// components that need a dedicated connection (LISTEN/NOTIFY).
func (c *Client) ConnString() string {
	return c.connString
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient connects with pooling and applies pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	connString := cfg.ConnString()

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	return newClient(ctx, poolCfg, connString)
}

// NewClientFromConnString connects using a raw connection string. Used by
// tests that scope connections to a per-test schema via search_path.
func NewClientFromConnString(ctx context.Context, connString string) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	return newClient(ctx, poolCfg, connString)
}

func newClient(ctx context.Context, poolCfg *pgxpool.Config, connString string) (*Client, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(connString); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool, connString: connString}, nil
}
