package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Postgres stores checkpoints in the ingest_checkpoints table.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres returns a Postgres-backed store.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

type checkpointRow struct {
	Resource  string    `db:"resource"`
	Cursor    time.Time `db:"cursor_at"`
	RunID     string    `db:"run_id"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Load returns the checkpoint for resource.
func (p *Postgres) Load(ctx context.Context, resource string) (Checkpoint, bool, error) {
	query := `
		SELECT resource, cursor_at, run_id, updated_at
		FROM ingest_checkpoints
		WHERE resource = $1
	`

	var row checkpointRow
	err := p.db.GetContext(ctx, &row, query, resource)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", resource, err)
	}

	return Checkpoint{
		Resource:  row.Resource,
		Cursor:    row.Cursor.UTC(),
		RunID:     row.RunID,
		UpdatedAt: row.UpdatedAt.UTC(),
	}, true, nil
}

// Save upserts cp.
func (p *Postgres) Save(ctx context.Context, cp Checkpoint) error {
	if cp.Resource == "" {
		return ErrEmptyResource
	}

	query := `
		INSERT INTO ingest_checkpoints (resource, cursor_at, run_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource) DO UPDATE SET
			cursor_at = EXCLUDED.cursor_at,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := p.db.ExecContext(ctx, query, cp.Resource, cp.Cursor, cp.RunID, cp.UpdatedAt); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Resource, err)
	}
	return nil
}
