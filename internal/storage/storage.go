package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// PausedRecord is the persisted form of a paused transfer.
type PausedRecord struct {
	ID       string
	URL      string
	Token    []byte // nil when the transport produced no continuation token
	Progress float64
	PausedAt time.Time
}

// DownloadRecord represents a record of a downloaded file.
type DownloadRecord struct {
	ID           string
	URL          string
	FilePath     string
	DownloadedAt time.Time
	Status       string
}

const (
	StatusPlaced = "placed"
	StatusFailed = "placement_failed"
)

type PausedRepository interface {
	SavePaused(ctx context.Context, rec PausedRecord) error
	DeletePaused(ctx context.Context, id string) error
	GetPaused(ctx context.Context) ([]PausedRecord, error)
}

type DownloadRepository interface {
	TrackDownload(ctx context.Context, rec DownloadRecord) error
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	DeleteDownload(ctx context.Context, id string) error
}
