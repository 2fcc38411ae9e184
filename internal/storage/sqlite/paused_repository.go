package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/assetfetch/internal/storage"
)

// PausedRepository keeps paused transfers so they survive a restart.
type PausedRepository struct {
	db *sql.DB
}

func NewPausedRepository(db *sql.DB) *PausedRepository {
	return &PausedRepository{db: db}
}

// SavePaused inserts or replaces the record for rec.ID.
func (r *PausedRepository) SavePaused(ctx context.Context, rec storage.PausedRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO paused_transfers (id, url, token, progress, paused_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			token = excluded.token,
			progress = excluded.progress,
			paused_at = excluded.paused_at
	`, rec.ID, rec.URL, rec.Token, rec.Progress, rec.PausedAt.UTC())

	return err
}

func (r *PausedRepository) DeletePaused(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM paused_transfers WHERE id = ?`, id)

	return err
}

// GetPaused returns every paused transfer, oldest first.
func (r *PausedRepository) GetPaused(ctx context.Context) ([]storage.PausedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, url, token, progress, paused_at
		FROM paused_transfers
		ORDER BY paused_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.PausedRecord

	for rows.Next() {
		var rec storage.PausedRecord
		if err := rows.Scan(&rec.ID, &rec.URL, &rec.Token, &rec.Progress, &rec.PausedAt); err != nil {
			return nil, err
		}

		if len(rec.Token) == 0 {
			rec.Token = nil
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
