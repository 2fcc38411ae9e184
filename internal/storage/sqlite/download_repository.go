package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/assetfetch/internal/storage"
)

// DownloadRepository records where completed transfers were placed.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// TrackDownload records a finished transfer. A later download of the same id
// replaces the earlier record.
func (r *DownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (id, url, file_path, downloaded_at, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			file_path = excluded.file_path,
			downloaded_at = excluded.downloaded_at,
			status = excluded.status
	`, rec.ID, rec.URL, rec.FilePath, rec.DownloadedAt.UTC(), rec.Status)

	return err
}

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, url, file_path, downloaded_at, status
		FROM downloads
		ORDER BY downloaded_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record   storage.DownloadRecord
			filePath sql.NullString
		)

		if err := rows.Scan(&record.ID, &record.URL, &filePath, &record.DownloadedAt, &record.Status); err != nil {
			return nil, err
		}

		record.FilePath = filePath.String
		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

// DeleteDownload forgets the record for id. Deleting an unknown id returns
// storage.ErrNotFound.
func (r *DownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}
