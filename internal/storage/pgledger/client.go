// Copyright 2025 Meridian Mesh Authors
//
// Client wraps a pooled PostgreSQL connection for the durable event ledger,
// following the connection-pool-plus-functional-options shape this
// codebase used for its proof-artifact database client.
package pgledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client holds a pooled connection plus the logger every ledger store call
// writes through.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the default stdlib logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Config holds connection parameters.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns reasonable pool sizing for a single-node validator.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: time.Hour,
	}
}

// NewClient opens a pooled connection and verifies it with a ping.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgledger: DSN cannot be empty")
	}

	c := &Client{
		logger: log.New(log.Writer(), "[pgledger] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	c.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return c, nil
}

// DB exposes the pooled *sql.DB for the Store implementation.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the pool.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// migration is one embedded .sql file.
type migration struct {
	Version string
	SQL     string
}

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, in filename order.
func (c *Client) MigrateUp(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := c.loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := c.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		c.logger.Printf("applying migration %s", m.Version)

		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply %s: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
			m.Version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", m.Version, err)
		}
	}
	return nil
}

func (c *Client) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, migration{Version: e.Name(), SQL: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
