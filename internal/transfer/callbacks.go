package transfer

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/storage"
	"github.com/italolelis/assetfetch/internal/transport"
)

// callbacks routes transport events to the entry owning the reporting handle.
// Events for handles that no longer belong to a downloading entry are dropped.
type callbacks struct {
	m *Manager
}

var _ transport.Delegate = (*callbacks)(nil)

func owns(h transport.Handle) func(e *Entry) bool {
	url := h.URL()

	return func(e *Entry) bool {
		return e.State == StateDownloading && e.Handle == h && (url == "" || e.URL == url)
	}
}

func (c *callbacks) OnProgress(h transport.Handle, written, expected int64) {
	var ev Progress

	_, ok := c.m.registry.UpdateWhere(owns(h), func(e *Entry) bool {
		if e.reported && written < e.BytesWritten {
			return false
		}

		e.reported = true
		e.BytesWritten = written

		if expected > 0 {
			e.BytesExpected = expected

			fraction := float64(written) / float64(expected)
			if fraction > 1 {
				fraction = 1
			}

			e.Progress = fraction
		}

		ev = Progress{
			ID:            e.ID,
			Fraction:      e.Progress,
			BytesWritten:  e.BytesWritten,
			BytesExpected: e.BytesExpected,
		}

		if e.BytesExpected > 0 {
			ev.TotalSizeLabel = humanize.IBytes(uint64(e.BytesExpected))
		}

		return false
	})
	if !ok || ev.ID == "" {
		return
	}

	c.m.dispatch(func() { c.m.sink.OnProgress(ev) })
}

func (c *callbacks) OnComplete(h transport.Handle, tempPath string) {
	m := c.m

	var episode uint64

	entry, ok := m.registry.UpdateWhere(owns(h), func(e *Entry) bool {
		e.State = StateCompleted
		e.Handle = nil
		e.Progress = 1
		episode = e.episode

		return false
	})
	if !ok {
		m.logger.Debug("dropping completion for unknown transfer", "url", h.URL())

		return
	}

	logger := m.logger.With("transfer_id", entry.ID)
	ctx := logctx.WithLogger(context.Background(), logger)

	status := storage.StatusPlaced

	path, err := m.store.Path(entry.ID)
	if err != nil {
		logger.Error("failed to resolve artifact path", "err", err)
	}

	if err := m.store.Place(tempPath, entry.ID); err != nil {
		perr := &PlacementError{ID: entry.ID, TempPath: tempPath, Err: err}
		status = storage.StatusFailed

		m.telemetry.RecordPlacementFailure()
		logger.Error("failed to place artifact", "err", perr)
	}

	m.registry.UpdateWhere(func(e *Entry) bool {
		return e.ID == entry.ID && e.State == StateCompleted && e.episode == episode
	}, func(*Entry) bool { return true })

	m.telemetry.DecrementActiveTransfers()
	m.telemetry.RecordTransfer("complete", status)
	m.telemetry.RecordDownload(status, time.Since(entry.CreatedAt))

	if m.journal != nil {
		rec := storage.DownloadRecord{
			ID:           entry.ID,
			URL:          entry.URL,
			FilePath:     path,
			DownloadedAt: time.Now(),
			Status:       status,
		}
		if err := m.journal.TrackDownload(ctx, rec); err != nil {
			logger.Error("failed to track download", "err", err)
		}
	}

	logger.Info("transfer completed", "path", path, "status", status)

	ev := Completed{ID: entry.ID, URL: entry.URL, Path: path, Placed: status == storage.StatusPlaced}
	m.dispatch(func() { m.sink.OnCompleted(ev) })
}

func (c *callbacks) OnFailure(h transport.Handle, err error) {
	m := c.m

	entry, ok := m.registry.UpdateWhere(owns(h), func(e *Entry) bool {
		e.State = StateFailed
		e.Handle = nil

		return true
	})
	if !ok {
		m.logger.Debug("dropping failure for unknown transfer", "url", h.URL(), "err", err)

		return
	}

	terr := &TransportError{ID: entry.ID, URL: entry.URL, Err: err}

	m.telemetry.DecrementActiveTransfers()
	m.telemetry.RecordTransfer("fail", "error")
	m.logger.Error("transfer failed", "transfer_id", entry.ID, "err", terr)

	ev := Failed{ID: entry.ID, Reason: reason(err), Err: terr}
	m.dispatch(func() { m.sink.OnFailed(ev) })
}

func reason(err error) string {
	if err == nil {
		return "transfer failed"
	}

	return err.Error()
}
