package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
)

// Postgres writes each batch in one transaction. Rows are keyed by resource and record
// identity; a re-sent record replaces the stored payload, so updates land and replays
// are idempotent.
type Postgres struct {
	db       *sqlx.DB
	query    string
	resource string
	idField  string
}

// NewPostgres returns a sink writing to table.
func NewPostgres(db *sqlx.DB, table, resource, idField string) *Postgres {
	query := fmt.Sprintf(`
		INSERT INTO %s (resource, record_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource, record_id) DO UPDATE SET
			payload     = EXCLUDED.payload,
			ingested_at = NOW()
	`, pq.QuoteIdentifier(table))

	return &Postgres{db: db, query: query, resource: resource, idField: idField}
}

// Write upserts records atomically.
func (s *Postgres) Write(ctx context.Context, records []normalize.Record) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, beginErr := s.db.BeginTxx(ctx, nil)
	if beginErr != nil {
		return fmt.Errorf("begin transaction: %w", beginErr)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, prepErr := tx.PreparexContext(ctx, s.query)
	if prepErr != nil {
		return fmt.Errorf("prepare upsert: %w", prepErr)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		id, idErr := normalize.Identity(rec, s.idField)
		if idErr != nil {
			return fmt.Errorf("record identity: %w", idErr)
		}
		payload, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return fmt.Errorf("marshal record %s: %w", id, marshalErr)
		}
		if _, execErr := stmt.ExecContext(ctx, s.resource, id, payload); execErr != nil {
			return fmt.Errorf("upsert record %s: %w", id, execErr)
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("commit batch: %w", commitErr)
	}
	return nil
}
