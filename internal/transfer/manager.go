package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/resumetoken"
	"github.com/italolelis/assetfetch/internal/storage"
	"github.com/italolelis/assetfetch/internal/telemetry"
	"github.com/italolelis/assetfetch/internal/transport"
)

// ArtifactStore is where finished downloads end up.
type ArtifactStore interface {
	Path(id string) (string, error)
	Exists(id string) bool
	Place(tempPath, id string) error
}

// Journal persists paused transfers and completed downloads so they survive a
// restart. Journal failures are logged and never fail a transfer operation.
type Journal interface {
	SavePaused(ctx context.Context, rec storage.PausedRecord) error
	DeletePaused(ctx context.Context, id string) error
	TrackDownload(ctx context.Context, rec storage.DownloadRecord) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithDispatcher sets the execution context sink notifications are delivered on.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) { m.dispatch = d }
}

// WithJournal persists paused transfers and completed downloads.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithTelemetry records transfer metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = t }
}

// WithLogger sets the logger used from transport callbacks, which carry no context.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager drives transfers through their lifecycle. Start, Pause, Resume and
// Cancel never block on the network; results arrive through the Sink.
type Manager struct {
	registry  *Registry
	transport transport.Transport
	store     ArtifactStore
	sink      Sink
	dispatch  Dispatcher
	journal   Journal
	telemetry *telemetry.Telemetry
	logger    *slog.Logger

	// captures tracks pause requests still waiting for their token.
	captures sync.WaitGroup
	cb       *callbacks
}

// NewManager creates a Manager. A nil sink discards notifications.
func NewManager(tr transport.Transport, store ArtifactStore, sink Sink, opts ...Option) *Manager {
	if sink == nil {
		sink = nopSink{}
	}

	m := &Manager{
		registry:  NewRegistry(),
		transport: tr,
		store:     store,
		sink:      sink,
		dispatch:  Synchronous,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.cb = &callbacks{m: m}

	return m
}

// Start begins a fresh transfer of url under id. It fails with
// *AlreadyActiveError when id is already registered, whatever its state.
func (m *Manager) Start(ctx context.Context, id, url string) error {
	ctx = logctx.WithTransferID(ctx, id)
	logger := logctx.LoggerFromContext(ctx)

	var h transport.Handle

	_, err := m.registry.Create(id, url, func(e *Entry) error {
		var err error

		h, err = m.transport.NewTransfer(url, m.cb)
		if err != nil {
			return fmt.Errorf("failed to issue transfer for %s: %w", url, err)
		}

		e.beginEpisode(h)

		return nil
	})
	if err != nil {
		m.telemetry.RecordTransfer("start", "error")

		return err
	}

	m.telemetry.IncrementActiveTransfers()
	m.telemetry.RecordTransfer("start", "success")

	h.Start()

	logger.InfoContext(ctx, "transfer started", "url", url)

	return nil
}

// Pause stops a downloading transfer and keeps it registered as paused. The
// continuation token is captured asynchronously; if the transport cannot produce
// one the transfer restarts from zero on Resume. Pausing an absent or already
// paused transfer is a no-op.
func (m *Manager) Pause(ctx context.Context, id string) error {
	ctx = logctx.WithTransferID(ctx, id)
	logger := logctx.LoggerFromContext(ctx)

	var (
		h       transport.Handle
		episode uint64
	)

	entry, err := m.registry.Update(id, func(e *Entry) error {
		if e.State != StateDownloading {
			return errSkip
		}

		h, episode = e.Handle, e.episode
		e.Handle = nil
		e.State = StatePaused
		e.PausedAt = m.registry.now()

		return nil
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, errSkip) {
		logger.DebugContext(ctx, "pause ignored", "state", entry.State)

		return nil
	}

	if err != nil {
		return err
	}

	m.captures.Add(1)

	h.Cancel(func(token []byte) {
		defer m.captures.Done()

		m.captureToken(id, episode, token)
	})

	m.telemetry.RecordTransfer("pause", "success")
	logger.InfoContext(ctx, "transfer paused", "progress", entry.Progress)

	return nil
}

// captureToken stores a continuation token on the entry that requested it, as
// long as the entry has not been resumed or cancelled in the meantime.
func (m *Manager) captureToken(id string, episode uint64, token []byte) {
	logger := m.logger.With("transfer_id", id)
	ctx := logctx.WithLogger(context.Background(), logger)

	entry, err := m.registry.Update(id, func(e *Entry) error {
		if e.State != StatePaused || e.episode != episode {
			return errSkip
		}

		e.Token = token

		return nil
	})
	if err != nil {
		logger.DebugContext(ctx, "discarding late continuation token", "err", err)

		return
	}

	if len(token) == 0 {
		logger.InfoContext(ctx, "transport produced no continuation token, resume will restart from zero")
	}

	if m.journal == nil {
		return
	}

	rec := storage.PausedRecord{
		ID:       entry.ID,
		URL:      entry.URL,
		Token:    entry.Token,
		Progress: entry.Progress,
		PausedAt: entry.PausedAt,
	}
	if err := m.journal.SavePaused(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "failed to journal paused transfer", "err", err)

		return
	}

	// A resume or cancel may have slipped in while the record was written.
	if e, ok := m.registry.Lookup(id); !ok || e.episode != episode || e.State != StatePaused {
		m.forget(ctx, id)
	}
}

// Resume continues a paused transfer. The stored token is repaired and handed
// to the transport; any failure along that path falls back to a fresh transfer
// of the original URL. Resuming a transfer that is already downloading is a
// no-op.
func (m *Manager) Resume(ctx context.Context, id string) error {
	ctx = logctx.WithTransferID(ctx, id)
	logger := logctx.LoggerFromContext(ctx)

	for {
		entry, ok := m.registry.Lookup(id)
		if !ok {
			return ErrNotFound
		}

		if entry.State != StatePaused {
			logger.DebugContext(ctx, "resume ignored", "state", entry.State)

			return nil
		}

		// The handle is issued without the registry lock; the entry must be
		// untouched by the time it is committed.
		unchanged := func(e *Entry) error {
			if e.State != StatePaused || e.episode != entry.episode || !bytes.Equal(e.Token, entry.Token) {
				return errSkip
			}

			return nil
		}

		h, resumed, err := m.issue(ctx, entry.URL, entry.Token)
		if err != nil {
			_, _ = m.registry.Update(id, func(e *Entry) error {
				if err := unchanged(e); err != nil {
					return err
				}

				e.Token = nil

				return nil
			})

			m.telemetry.RecordTransfer("resume", "error")

			return err
		}

		_, err = m.registry.Update(id, func(e *Entry) error {
			if err := unchanged(e); err != nil {
				return err
			}

			e.beginEpisode(h)

			return nil
		})
		if err != nil {
			// Another operation moved the entry on; retire the unused handle
			// without touching the partial file it shares.
			logger.DebugContext(ctx, "transfer changed while resuming, retrying", "err", err)
			h.Cancel(func([]byte) {})

			continue
		}

		h.Start()

		m.forget(ctx, id)

		mode := "fresh"
		if resumed {
			mode = "continued"
		}

		m.telemetry.RecordTransfer("resume", mode)
		logger.InfoContext(ctx, "transfer resumed", "mode", mode, "url", entry.URL)

		return nil
	}
}

// issue rebuilds a handle from token, falling back to a fresh transfer of url.
func (m *Manager) issue(ctx context.Context, url string, token []byte) (transport.Handle, bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	if len(token) > 0 {
		h, err := m.resumeFromToken(ctx, token)
		if err == nil {
			return h, true, nil
		}

		logger.WarnContext(ctx, "resume from continuation token failed, restarting from zero", "err", err)
	}

	h, err := m.transport.NewTransfer(url, m.cb)
	if err != nil {
		return nil, false, fmt.Errorf("failed to issue transfer for %s: %w", url, err)
	}

	return h, false, nil
}

func (m *Manager) resumeFromToken(ctx context.Context, token []byte) (transport.Handle, error) {
	logger := logctx.LoggerFromContext(ctx)

	repaired, err := resumetoken.Repair(token)
	if err != nil {
		m.telemetry.RecordTokenRepair("corrupt")

		return nil, err
	}

	if bytes.Equal(repaired, token) {
		m.telemetry.RecordTokenRepair("canonical")
	} else {
		m.telemetry.RecordTokenRepair("repaired")
		logger.InfoContext(ctx, "continuation token repaired", "size", humanize.Bytes(uint64(len(repaired))))
	}

	h, err := m.transport.ResumeTransfer(repaired, m.cb)
	if err != nil {
		return nil, fmt.Errorf("transport rejected continuation token: %w", err)
	}

	m.restoreRequests(ctx, h, repaired)

	return h, nil
}

// restoreRequests fills in request snapshots the transport could not rebuild
// from the token itself.
func (m *Manager) restoreRequests(ctx context.Context, h transport.Handle, token []byte) {
	logger := logctx.LoggerFromContext(ctx)

	setter, ok := h.(transport.RequestSetter)
	if !ok {
		logger.DebugContext(ctx, "transport handle does not expose request snapshots")

		return
	}

	data, err := resumetoken.DecodeResumeData(token)
	if err != nil {
		logger.DebugContext(ctx, "continuation token carries no decodable request snapshots", "err", err)

		return
	}

	if setter.OriginalRequest() == nil && data.OriginalRequest != nil {
		setter.SetOriginalRequest(data.OriginalRequest)
	}

	if setter.CurrentRequest() == nil && data.CurrentRequest != nil {
		setter.SetCurrentRequest(data.CurrentRequest)
	}
}

// Cancel removes the transfer whatever its state and aborts its handle without
// asking for a token. Cancelling an absent transfer is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	ctx = logctx.WithTransferID(ctx, id)
	logger := logctx.LoggerFromContext(ctx)

	entry, ok := m.registry.Remove(id)
	if !ok {
		logger.DebugContext(ctx, "cancel ignored, transfer not registered")

		return nil
	}

	if entry.Handle != nil {
		entry.Handle.Abort()
	}

	m.telemetry.DecrementActiveTransfers()
	m.telemetry.RecordTransfer("cancel", "success")

	if entry.State == StatePaused {
		m.forget(ctx, id)
	}

	logger.InfoContext(ctx, "transfer cancelled", "state", entry.State)

	return nil
}

// IsLocallyAvailable reports whether the artifact for id is in the local store.
func (m *Manager) IsLocallyAvailable(id string) bool {
	return m.store.Exists(id)
}

// Status returns a snapshot of the transfer registered under id.
func (m *Manager) Status(id string) (Entry, bool) {
	return m.registry.Lookup(id)
}

// List returns a snapshot of every registered transfer.
func (m *Manager) List() []Entry {
	return m.registry.List()
}

// Restore registers paused transfers loaded from the journal. Records whose id is
// already registered are skipped. It returns the number of restored transfers.
func (m *Manager) Restore(ctx context.Context, records []storage.PausedRecord) int {
	logger := logctx.LoggerFromContext(ctx)

	restored := 0

	for _, rec := range records {
		_, err := m.registry.Create(rec.ID, rec.URL, func(e *Entry) error {
			e.State = StatePaused
			e.Token = rec.Token
			e.Progress = rec.Progress
			e.PausedAt = rec.PausedAt

			return nil
		})
		if err != nil {
			logger.WarnContext(ctx, "skipping journaled transfer", "transfer_id", rec.ID, "err", err)

			continue
		}

		m.telemetry.IncrementActiveTransfers()

		restored++
	}

	logger.InfoContext(ctx, "restored paused transfers", "count", restored)

	return restored
}

// PauseAll pauses every downloading transfer and waits until their tokens have
// been captured or ctx is done.
func (m *Manager) PauseAll(ctx context.Context) error {
	for _, e := range m.registry.List() {
		if e.State != StateDownloading {
			continue
		}

		if err := m.Pause(ctx, e.ID); err != nil {
			return err
		}
	}

	done := make(chan struct{})

	go func() {
		m.captures.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for continuation tokens: %w", ctx.Err())
	}
}

// ExpirePaused cancels paused transfers that have been idle for longer than
// olderThan. It returns the ids it cancelled.
func (m *Manager) ExpirePaused(ctx context.Context, olderThan time.Duration) []string {
	cutoff := m.registry.now().Add(-olderThan)

	var expired []string

	for _, e := range m.registry.List() {
		if e.State != StatePaused || e.PausedAt.After(cutoff) {
			continue
		}

		if err := m.Cancel(ctx, e.ID); err == nil {
			expired = append(expired, e.ID)
		}
	}

	return expired
}

func (m *Manager) forget(ctx context.Context, id string) {
	if m.journal == nil {
		return
	}

	if err := m.journal.DeletePaused(ctx, id); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to drop journaled transfer", "transfer_id", id, "err", err)
	}
}

var errSkip = errors.New("transfer not in the required state")
