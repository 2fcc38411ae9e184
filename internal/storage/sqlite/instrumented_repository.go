package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/assetfetch/internal/storage"
	"github.com/italolelis/assetfetch/internal/telemetry"
)

var (
	_ storage.PausedRepository   = (*InstrumentedRepository)(nil)
	_ storage.DownloadRepository = (*InstrumentedRepository)(nil)
)

// InstrumentedRepository exposes both journal tables and records every call
// as a database operation metric.
type InstrumentedRepository struct {
	paused    *PausedRepository
	downloads *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRepository creates a new instrumented repository. tel may be nil.
func NewInstrumentedRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRepository {
	return &InstrumentedRepository{
		paused:    NewPausedRepository(dbConn),
		downloads: NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedRepository) SavePaused(ctx context.Context, rec storage.PausedRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_paused", func(ctx context.Context) error {
		return r.paused.SavePaused(ctx, rec)
	})
}

func (r *InstrumentedRepository) DeletePaused(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_paused", func(ctx context.Context) error {
		return r.paused.DeletePaused(ctx, id)
	})
}

func (r *InstrumentedRepository) GetPaused(ctx context.Context) ([]storage.PausedRecord, error) {
	var result []storage.PausedRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_paused", func(ctx context.Context) error {
		var err error
		result, err = r.paused.GetPaused(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_download", func(ctx context.Context) error {
		return r.downloads.TrackDownload(ctx, rec)
	})
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.downloads.GetDownloads(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedRepository) DeleteDownload(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.downloads.DeleteDownload(ctx, id)
	})
}
