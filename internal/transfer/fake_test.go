package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/assetfetch/internal/resumetoken"
	"github.com/italolelis/assetfetch/internal/storage"
	"github.com/italolelis/assetfetch/internal/transport"
)

type fakeHandle struct {
	tr    *fakeTransport
	url   string
	token []byte
	d     transport.Delegate

	mu        sync.Mutex
	started   bool
	cancelled bool
	aborted   bool
	original  *resumetoken.Request
	current   *resumetoken.Request
}

func (h *fakeHandle) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled || h.aborted {
		return
	}

	h.started = true
}

func (h *fakeHandle) Cancel(onToken func([]byte)) {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()

	h.tr.mu.Lock()
	token := h.tr.pauseToken
	deferred := h.tr.deferTokens

	if deferred {
		h.tr.pending = append(h.tr.pending, func() { onToken(token) })
	}
	h.tr.mu.Unlock()

	if !deferred {
		onToken(token)
	}
}

func (h *fakeHandle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.aborted = true
}

func (h *fakeHandle) URL() string { return h.url }

func (h *fakeHandle) OriginalRequest() *resumetoken.Request     { return h.original }
func (h *fakeHandle) SetOriginalRequest(r *resumetoken.Request) { h.original = r }
func (h *fakeHandle) CurrentRequest() *resumetoken.Request      { return h.current }
func (h *fakeHandle) SetCurrentRequest(r *resumetoken.Request)  { h.current = r }

func (h *fakeHandle) progress(written, expected int64) { h.d.OnProgress(h, written, expected) }
func (h *fakeHandle) complete(tempPath string)         { h.d.OnComplete(h, tempPath) }
func (h *fakeHandle) fail(err error)                   { h.d.OnFailure(h, err) }

func (h *fakeHandle) state() (started, cancelled, aborted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.started, h.cancelled, h.aborted
}

// fakeTransport issues fakeHandles. Tokens handed to Cancel come from pauseToken
// and are delivered synchronously unless deferTokens is set.
type fakeTransport struct {
	mu          sync.Mutex
	fresh       []*fakeHandle
	resumed     []*fakeHandle
	pauseToken  []byte
	deferTokens bool
	pending     []func()
	newErr      error
	resumeErr   error
	// resumeGate, when set, holds ResumeTransfer until it is closed. Entering
	// is announced on resumeEntered.
	resumeGate    chan struct{}
	resumeEntered chan struct{}
}

func (t *fakeTransport) NewTransfer(url string, d transport.Delegate) (transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.newErr != nil {
		return nil, t.newErr
	}

	h := &fakeHandle{tr: t, url: url, d: d}
	t.fresh = append(t.fresh, h)

	return h, nil
}

func (t *fakeTransport) ResumeTransfer(token []byte, d transport.Delegate) (transport.Handle, error) {
	t.mu.Lock()
	gate, entered := t.resumeGate, t.resumeEntered
	t.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.resumeErr != nil {
		return nil, t.resumeErr
	}

	data, err := resumetoken.DecodeResumeData(token)
	if err != nil {
		return nil, err
	}

	h := &fakeHandle{tr: t, url: data.URL(), token: token, d: d}
	t.resumed = append(t.resumed, h)

	return h, nil
}

func (t *fakeTransport) lastFresh() *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.fresh[len(t.fresh)-1]
}

func (t *fakeTransport) counts() (fresh, resumed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.fresh), len(t.resumed)
}

func (t *fakeTransport) releaseTokens() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

type fakeStore struct {
	mu       sync.Mutex
	placed   map[string]string
	placeErr error
	pathErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{placed: make(map[string]string)}
}

func (s *fakeStore) Path(id string) (string, error) {
	if s.pathErr != nil {
		return "", s.pathErr
	}

	return "/store/" + id, nil
}

func (s *fakeStore) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.placed[id]

	return ok
}

func (s *fakeStore) Place(tempPath, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.placeErr != nil {
		return s.placeErr
	}

	if s.pathErr != nil {
		return s.pathErr
	}

	s.placed[id] = tempPath

	return nil
}

type recordingSink struct {
	mu        sync.Mutex
	progress  []Progress
	completed []Completed
	failed    []Failed
}

func (s *recordingSink) OnProgress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress = append(s.progress, p)
}

func (s *recordingSink) OnCompleted(c Completed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = append(s.completed, c)
}

func (s *recordingSink) OnFailed(f Failed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failed = append(s.failed, f)
}

func (s *recordingSink) snapshot() ([]Progress, []Completed, []Failed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Progress(nil), s.progress...),
		append([]Completed(nil), s.completed...),
		append([]Failed(nil), s.failed...)
}

type mockJournal struct {
	mu       sync.Mutex
	paused   map[string]storage.PausedRecord
	tracked  []storage.DownloadRecord
	saveErr  error
	saveFunc func(rec storage.PausedRecord)
}

func newMockJournal() *mockJournal {
	return &mockJournal{paused: make(map[string]storage.PausedRecord)}
}

func (j *mockJournal) SavePaused(_ context.Context, rec storage.PausedRecord) error {
	if j.saveFunc != nil {
		j.saveFunc(rec)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.saveErr != nil {
		return j.saveErr
	}

	j.paused[rec.ID] = rec

	return nil
}

func (j *mockJournal) DeletePaused(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.paused, id)

	return nil
}

func (j *mockJournal) TrackDownload(_ context.Context, rec storage.DownloadRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.tracked = append(j.tracked, rec)

	return nil
}

func (j *mockJournal) pausedRecord(id string) (storage.PausedRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.paused[id]

	return rec, ok
}

var errNetwork = errors.New("connection reset by peer")
