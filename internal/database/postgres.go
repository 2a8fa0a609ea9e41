// Package database opens the PostgreSQL connection shared by the Postgres sink and
// checkpoint store, and creates their tables.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also registers the PostgreSQL driver
)

// DefaultPingTimeout is the default timeout for pinging the database.
const DefaultPingTimeout = 5 * time.Second

// Config holds database configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresConnection opens a pooled PostgreSQL connection and verifies it.
func NewPostgresConnection(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	return db, nil
}

// Close closes the database connection.
func Close(db *sqlx.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// EnsureRecordsTable creates the record table used by the Postgres sink.
func EnsureRecordsTable(ctx context.Context, db *sqlx.DB, table string) error {
	name := pq.QuoteIdentifier(table)
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			resource    TEXT        NOT NULL,
			record_id   TEXT        NOT NULL,
			payload     JSONB       NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (resource, record_id)
		)`, name)

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// EnsureCheckpointTable creates the checkpoint table.
func EnsureCheckpointTable(ctx context.Context, db *sqlx.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS ingest_checkpoints (
			resource   TEXT        PRIMARY KEY,
			cursor_at  TIMESTAMPTZ NOT NULL,
			run_id     TEXT        NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}
