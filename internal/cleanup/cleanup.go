// Package cleanup evicts paused transfers nobody came back for and removes
// placed artifacts once their retention has passed.
package cleanup

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/storage"
)

// PausedExpirer drops paused transfers older than a cutoff and returns their ids.
type PausedExpirer interface {
	ExpirePaused(ctx context.Context, olderThan time.Duration) []string
}

// Downloads is the part of the download journal cleanup needs.
type Downloads interface {
	GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error)
	DeleteDownload(ctx context.Context, id string) error
}

// Runner sweeps on a fixed interval. A zero PausedTTL or KeepDownloadedFor
// disables that half of the sweep.
type Runner struct {
	Transfers         PausedExpirer
	Downloads         Downloads
	PausedTTL         time.Duration
	KeepDownloadedFor time.Duration
	Interval          time.Duration
}

// Run sweeps every Interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs a single cleanup pass.
func (r *Runner) Sweep(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if r.PausedTTL > 0 && r.Transfers != nil {
		if expired := r.Transfers.ExpirePaused(ctx, r.PausedTTL); len(expired) > 0 {
			logger.Info("evicted stale paused transfers", "count", len(expired), "ttl", r.PausedTTL.String())
		}
	}

	if r.KeepDownloadedFor <= 0 || r.Downloads == nil {
		return
	}

	tracked, err := r.Downloads.GetDownloads(ctx)
	if err != nil {
		logger.Error("failed to get tracked downloads for cleanup", "err", err)

		return
	}

	deleted, err := DeleteExpiredFiles(ctx, tracked, r.KeepDownloadedFor)
	if err != nil {
		logger.Error("failed to delete expired tracked files", "err", err)
	}

	for _, id := range deleted {
		if err := r.Downloads.DeleteDownload(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Error("failed to forget expired download", "download_id", id, "err", err)
		}
	}
}

// DeleteExpiredFiles deletes files older than keepDuration based on tracked
// records and returns the ids whose files are gone. Records whose file already
// disappeared count as deleted.
func DeleteExpiredFiles(ctx context.Context, dr []storage.DownloadRecord, keepDuration time.Duration) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	var (
		deleted []string
		errs    []error
	)

	for _, rec := range dr {
		if now.Sub(rec.DownloadedAt) <= keepDuration {
			continue
		}

		if rec.FilePath == "" {
			deleted = append(deleted, rec.ID)
			continue
		}

		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete expired file", "file", rec.FilePath, "err", err)
			errs = append(errs, err)

			continue
		}

		logger.Info("Deleted expired file", "file", rec.FilePath)

		deleted = append(deleted, rec.ID)
	}

	return deleted, errors.Join(errs...)
}
