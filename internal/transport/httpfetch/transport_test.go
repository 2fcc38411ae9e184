package httpfetch

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/assetfetch/internal/resumetoken"
	"github.com/italolelis/assetfetch/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type progressReport struct {
	written, expected int64
}

type recorder struct {
	progress chan progressReport
	complete chan string
	failure  chan error
}

func newRecorder() *recorder {
	return &recorder{
		progress: make(chan progressReport, 4096),
		complete: make(chan string, 1),
		failure:  make(chan error, 1),
	}
}

func (r *recorder) OnProgress(_ transport.Handle, written, expected int64) {
	select {
	case r.progress <- progressReport{written, expected}:
	default:
	}
}

func (r *recorder) OnComplete(_ transport.Handle, tempPath string) { r.complete <- tempPath }
func (r *recorder) OnFailure(_ transport.Handle, err error)       { r.failure <- err }

func (r *recorder) waitComplete(t *testing.T) string {
	t.Helper()

	select {
	case path := <-r.complete:
		return path
	case err := <-r.failure:
		t.Fatalf("transfer failed: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for completion")
	}

	return ""
}

func (r *recorder) waitFailure(t *testing.T) error {
	t.Helper()

	select {
	case err := <-r.failure:
		return err
	case path := <-r.complete:
		t.Fatalf("transfer unexpectedly completed into %s", path)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for failure")
	}

	return nil
}

func (r *recorder) waitWritten(t *testing.T, n int64) {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case p := <-r.progress:
			if p.written >= n {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d bytes", n)
		}
	}
}

func waitToken(t *testing.T, h transport.Handle) []byte {
	t.Helper()

	ch := make(chan []byte, 1)
	h.Cancel(func(token []byte) { ch <- token })

	select {
	case token := <-ch:
		return token
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for continuation token")
	}

	return nil
}

func newTestTransport(t *testing.T, opts ...Option) (*Transport, string) {
	t.Helper()

	dir := t.TempDir()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryMax(0),
		WithProgressInterval(1),
	}, opts...)

	return New(dir, opts...), dir
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16)
}

func TestTransport_Download(t *testing.T) {
	body := payload(4096)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.mp3", time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	tr, dir := newTestTransport(t)
	rec := newRecorder()

	h, err := tr.NewTransfer(srv.URL+"/a.mp3", rec)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/a.mp3", h.URL())

	h.Start()
	path := rec.waitComplete(t)

	assert.Equal(t, dir, filepath.Dir(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	var last progressReport
	for len(rec.progress) > 0 {
		p := <-rec.progress
		assert.GreaterOrEqual(t, p.written, last.written)
		last = p
	}
	assert.Equal(t, int64(len(body)), last.written)
	assert.Equal(t, int64(len(body)), last.expected)
}

func TestTransport_PauseAndResume(t *testing.T) {
	body := payload(8192)
	half := len(body) / 2

	var (
		mu     sync.Mutex
		ranges []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()

		w.Header().Set("ETag", `"v1"`)

		if r.Header.Get("Range") != "" {
			http.ServeContent(w, r, "a.mp3", time.Time{}, bytes.NewReader(body))
			return
		}

		// Send half the body, then stall until the client goes away.
		w.Header().Set("Content-Length", "8192")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:half])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr, dir := newTestTransport(t)
	rec := newRecorder()

	h, err := tr.NewTransfer(srv.URL+"/a.mp3", rec)
	require.NoError(t, err)

	h.Start()
	rec.waitWritten(t, int64(half))

	token := waitToken(t, h)
	require.NotNil(t, token)

	data, err := resumetoken.DecodeResumeData(token)
	require.NoError(t, err)
	assert.Equal(t, int64(half), data.BytesReceived)
	assert.Equal(t, `"v1"`, data.EntityTag)
	assert.Equal(t, srv.URL+"/a.mp3", data.URL())
	require.NotNil(t, data.OriginalRequest)
	assert.Equal(t, http.MethodGet, data.OriginalRequest.Method)
	assert.FileExists(t, filepath.Join(dir, data.TempFileName))

	// The paused handle never reports a terminal outcome.
	assert.Empty(t, rec.complete)
	assert.Empty(t, rec.failure)

	rec2 := newRecorder()
	resumed, err := tr.ResumeTransfer(token, rec2)
	require.NoError(t, err)
	resumed.Start()

	path := rec2.waitComplete(t)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ranges, 2)
	assert.Equal(t, "", ranges[0])
	assert.Equal(t, "bytes=4096-", ranges[1])
}

func TestTransport_ResumeRestartsWhenRangeIgnored(t *testing.T) {
	body := payload(2048)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	tr, dir := newTestTransport(t)

	name := tempPrefix + "stale" + tempSuffix
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("garbage-prefix"), 0o644))

	token, err := resumetoken.EncodeResumeData(&resumetoken.ResumeData{
		DownloadURL:   srv.URL + "/a.mp3",
		BytesReceived: 7,
		TempFileName:  name,
	})
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.ResumeTransfer(token, rec)
	require.NoError(t, err)
	h.Start()

	got, err := os.ReadFile(rec.waitComplete(t))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestTransport_CancelBeforeStart(t *testing.T) {
	tr, _ := newTestTransport(t)

	h, err := tr.NewTransfer("http://example.invalid/a.mp3", newRecorder())
	require.NoError(t, err)

	assert.Nil(t, waitToken(t, h))

	// Start after Cancel does nothing.
	h.Start()
}

func TestTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr, dir := newTestTransport(t)
	rec := newRecorder()

	h, err := tr.NewTransfer(srv.URL+"/missing.mp3", rec)
	require.NoError(t, err)
	h.Start()

	err = rec.waitFailure(t)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransport_AbortRemovesPartialFile(t *testing.T) {
	body := payload(4096)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:1024])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr, dir := newTestTransport(t)
	rec := newRecorder()

	h, err := tr.NewTransfer(srv.URL+"/a.mp3", rec)
	require.NoError(t, err)
	h.Start()
	rec.waitWritten(t, 1024)

	h.Abort()

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 0
	}, waitTimeout, 10*time.Millisecond)

	assert.Empty(t, rec.complete)
	assert.Empty(t, rec.failure)
}

func TestTransport_RejectsInvalidInput(t *testing.T) {
	tr, dir := newTestTransport(t)

	_, err := tr.NewTransfer("ftp://example.com/a.mp3", newRecorder())
	assert.Error(t, err)

	_, err = tr.ResumeTransfer([]byte("not a token"), newRecorder())
	assert.Error(t, err)

	tests := map[string]struct {
		name    string
		onDisk  int
		claimed int64
	}{
		"path traversal": {name: "../" + tempPrefix + "x" + tempSuffix, claimed: 1},
		"foreign file":   {name: "passwd", claimed: 1},
		"missing file":   {name: tempPrefix + "gone" + tempSuffix, claimed: 1},
		"file too short": {name: tempPrefix + "short" + tempSuffix, onDisk: 3, claimed: 10},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if tc.onDisk > 0 {
				require.NoError(t, os.WriteFile(filepath.Join(dir, tc.name), make([]byte, tc.onDisk), 0o644))
			}

			token, err := resumetoken.EncodeResumeData(&resumetoken.ResumeData{
				DownloadURL:   "https://example.com/a.mp3",
				BytesReceived: tc.claimed,
				TempFileName:  tc.name,
			})
			require.NoError(t, err)

			_, err = tr.ResumeTransfer(token, newRecorder())
			assert.Error(t, err)
		})
	}
}

func TestTransport_PauseWhileFlushing(t *testing.T) {
	body := payload(4096)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "a.mp3", time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	tr, dir := newTestTransport(t)

	flushing := make(chan struct{})
	release := make(chan struct{})
	tr.sync = func(f *os.File) error {
		close(flushing)
		<-release
		return f.Sync()
	}

	rec := newRecorder()
	h, err := tr.NewTransfer(srv.URL+"/a.mp3", rec)
	require.NoError(t, err)
	h.Start()

	select {
	case <-flushing:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the body to be fetched")
	}

	tokens := make(chan []byte, 1)
	h.Cancel(func(token []byte) { tokens <- token })
	close(release)

	var token []byte
	select {
	case token = <-tokens:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for continuation token")
	}

	require.NotNil(t, token)
	assert.Empty(t, rec.complete)
	assert.Empty(t, rec.failure)

	data, err := resumetoken.DecodeResumeData(token)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), data.BytesReceived)
	assert.FileExists(t, filepath.Join(dir, data.TempFileName))

	tr.sync = (*os.File).Sync

	rec2 := newRecorder()
	resumed, err := tr.ResumeTransfer(token, rec2)
	require.NoError(t, err)
	resumed.Start()

	got, err := os.ReadFile(rec2.waitComplete(t))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestTransport_CancelAfterCompletionKeepsFile(t *testing.T) {
	body := payload(1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.mp3", time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	tr, _ := newTestTransport(t)
	rec := newRecorder()

	h, err := tr.NewTransfer(srv.URL+"/a.mp3", rec)
	require.NoError(t, err)
	h.Start()

	path := rec.waitComplete(t)

	token := waitToken(t, h)
	require.NotNil(t, token)

	data, err := resumetoken.DecodeResumeData(token)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), data.BytesReceived)
	assert.Equal(t, filepath.Base(path), data.TempFileName)
}

func TestTransport_ResumeFullyReceived(t *testing.T) {
	body := payload(2048)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.mp3", time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	tr, dir := newTestTransport(t)

	name := tempPrefix + "full" + tempSuffix
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), body, 0o644))

	token, err := resumetoken.EncodeResumeData(&resumetoken.ResumeData{
		DownloadURL:   srv.URL + "/a.mp3",
		BytesReceived: int64(len(body)),
		TempFileName:  name,
	})
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.ResumeTransfer(token, rec)
	require.NoError(t, err)
	h.Start()

	path := rec.waitComplete(t)
	assert.Equal(t, filepath.Join(dir, name), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestTransport_ResumeRestartsOnUnsatisfiableRange(t *testing.T) {
	body := payload(2048)

	var (
		mu     sync.Mutex
		ranges []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()

		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Range", "bytes */99999")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}

		_, _ = w.Write(body)
	}))
	defer srv.Close()

	tr, dir := newTestTransport(t)

	name := tempPrefix + "mismatch" + tempSuffix
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("garbage-prefix"), 0o644))

	token, err := resumetoken.EncodeResumeData(&resumetoken.ResumeData{
		DownloadURL:   srv.URL + "/a.mp3",
		BytesReceived: 7,
		TempFileName:  name,
	})
	require.NoError(t, err)

	rec := newRecorder()
	h, err := tr.ResumeTransfer(token, rec)
	require.NoError(t, err)
	h.Start()

	got, err := os.ReadFile(rec.waitComplete(t))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bytes=7-", ""}, ranges)
}
