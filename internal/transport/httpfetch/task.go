package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/italolelis/assetfetch/internal/progress"
	"github.com/italolelis/assetfetch/internal/resumetoken"
	"github.com/italolelis/assetfetch/internal/transport"
)

type taskState int

const (
	taskIdle taskState = iota
	taskRunning
	// taskFinishing covers flushing a fully fetched file. Cancel still wins here.
	taskFinishing
	// taskDone means the outcome has been handed to the delegate.
	taskDone
	taskStopped
)

// task is one download attempt. It is started at most once; after Cancel or
// Abort it never reports completion or failure.
type task struct {
	t        *Transport
	d        transport.Delegate
	url      string
	tempPath string

	mu        sync.Mutex
	state     taskState
	offset    int64
	etag      string
	cancel    context.CancelFunc
	onToken   func([]byte)
	aborted   bool
	completed bool
	original  *resumetoken.Request
	current   *resumetoken.Request
}

var (
	_ transport.Handle        = (*task)(nil)
	_ transport.RequestSetter = (*task)(nil)
)

func newTask(t *Transport, d transport.Delegate, rawURL, tempPath string) *task {
	return &task{t: t, d: d, url: rawURL, tempPath: tempPath}
}

func (k *task) URL() string { return k.url }

func (k *task) SetOriginalRequest(r *resumetoken.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.original = r
}

func (k *task) SetCurrentRequest(r *resumetoken.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current = r
}

func (k *task) OriginalRequest() *resumetoken.Request {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.original
}

func (k *task) CurrentRequest() *resumetoken.Request {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

func (k *task) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != taskIdle {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.state = taskRunning

	go k.run(ctx)
}

// Cancel stops the download and hands a continuation token to onToken. The
// token is nil when no bytes were kept. A task that already handed a complete
// file to the delegate answers with a token covering that file while it is
// still on disk.
func (k *task) Cancel(onToken func([]byte)) {
	k.mu.Lock()
	prev := k.state
	k.state = taskStopped

	if prev == taskRunning || prev == taskFinishing {
		k.onToken = onToken
		k.cancel()
		k.mu.Unlock()

		return
	}

	completed := k.completed
	k.mu.Unlock()

	switch {
	case prev == taskIdle:
		go onToken(k.token(k.offsetSnapshot()))
	case prev == taskDone && completed && k.tempExists():
		go onToken(k.token(k.offsetSnapshot()))
	default:
		go onToken(nil)
	}
}

// Abort stops the download and discards the partial file.
func (k *task) Abort() {
	k.mu.Lock()
	prev := k.state
	k.state = taskStopped
	k.aborted = true

	live := prev == taskRunning || prev == taskFinishing
	if live {
		k.cancel()
	}
	k.mu.Unlock()

	if !live {
		k.removeTemp()
	}
}

func (k *task) run(ctx context.Context) {
	defer k.cancel()

	written, f, err := k.fetch(ctx)
	if err != nil {
		if !k.advance(taskDone, false) {
			k.windDown(written)
			return
		}

		k.removeTemp()
		k.d.OnFailure(k, err)

		return
	}

	if !k.advance(taskFinishing, false) {
		f.Close()
		k.windDown(written)

		return
	}

	err = k.t.sync(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		err = fmt.Errorf("failed to flush temp file: %w", err)
	}

	if !k.advance(taskDone, err == nil) {
		k.windDown(written)
		return
	}

	if err != nil {
		k.removeTemp()
		k.d.OnFailure(k, err)

		return
	}

	k.d.OnComplete(k, k.tempPath)
}

// advance moves the task to next unless Cancel or Abort stopped it first.
func (k *task) advance(next taskState, completed bool) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == taskStopped {
		return false
	}

	k.state = next
	k.completed = completed

	return true
}

// windDown settles a stopped task: an abort discards the file, a cancel hands
// back the token for what was written.
func (k *task) windDown(written int64) {
	k.mu.Lock()
	onToken, aborted := k.onToken, k.aborted
	k.mu.Unlock()

	if aborted {
		k.removeTemp()
		return
	}

	if onToken != nil {
		onToken(k.token(written))
	}
}

// fetch downloads into the temp file, continuing from the current offset when
// the server honours the range. It returns the number of bytes on disk and, on
// success, the still open temp file.
func (k *task) fetch(ctx context.Context) (int64, *os.File, error) {
	k.mu.Lock()
	offset, etag, original := k.offset, k.etag, k.original
	k.mu.Unlock()

	resp, err := k.request(ctx, offset, etag, original)
	if err != nil {
		return offset, nil, err
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		resp.Body.Close()

		if unsatisfiedRangeSize(resp.Header.Get("Content-Range")) == offset {
			return k.reopenComplete(offset)
		}

		k.t.logger.Debug("server rejected range, restarting from zero", "url", k.url, "offset", offset)

		offset = 0

		resp, err = k.request(ctx, 0, "", original)
		if err != nil {
			return offset, nil, err
		}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if offset > 0 {
			k.t.logger.Debug("server ignored range, restarting from zero", "url", k.url, "offset", offset)
		}
		offset = 0
	default:
		return offset, nil, &StatusError{URL: k.url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	k.mu.Lock()
	k.offset = offset
	if tag := resp.Header.Get("ETag"); tag != "" {
		k.etag = tag
	}
	k.mu.Unlock()

	f, err := os.OpenFile(k.tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return offset, nil, fmt.Errorf("failed to open temp file: %w", err)
	}

	written, err := k.copyBody(f, resp.Body, offset, total)
	if err != nil {
		f.Close()
		return written, nil, err
	}

	return written, f, nil
}

func (k *task) request(ctx context.Context, offset int64, etag string, original *resumetoken.Request) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if original != nil {
		for name, value := range original.Header {
			req.Header.Set(name, value)
		}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

		if etag != "" {
			req.Header.Set("If-Range", etag)
		}
	} else {
		req.Header.Del("Range")
		req.Header.Del("If-Range")
	}

	resp, err := k.t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", k.url, err)
	}

	return resp, nil
}

func (k *task) copyBody(f *os.File, body io.Reader, offset, total int64) (int64, error) {
	if err := f.Truncate(offset); err != nil {
		return offset, fmt.Errorf("failed to truncate temp file: %w", err)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("failed to seek temp file: %w", err)
	}

	r := progress.NewReader(body, offset, total, k.t.interval, k.report)

	n, err := io.Copy(f, r)
	written := offset + n

	k.mu.Lock()
	k.offset = written
	k.mu.Unlock()

	if err != nil {
		return written, fmt.Errorf("failed to write %s: %w", filepath.Base(k.tempPath), err)
	}

	if total >= 0 && written < total {
		return written, fmt.Errorf("short body: got %d of %d bytes: %w", written, total, io.ErrUnexpectedEOF)
	}

	return written, nil
}

// reopenComplete picks up a partial file that already holds the whole body.
func (k *task) reopenComplete(size int64) (int64, *os.File, error) {
	f, err := os.OpenFile(k.tempPath, os.O_WRONLY, 0o644)
	if err != nil {
		return size, nil, fmt.Errorf("failed to open temp file: %w", err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return size, nil, fmt.Errorf("failed to truncate temp file: %w", err)
	}

	k.t.logger.Debug("partial download already complete", "url", k.url, "size", size)
	k.report(size, size)

	return size, f, nil
}

func (k *task) report(written, expected int64) {
	if k.running() {
		k.d.OnProgress(k, written, expected)
	}
}

// unsatisfiedRangeSize parses the "bytes */N" form of Content-Range sent with a
// 416 reply. It returns -1 when the header carries no size.
func unsatisfiedRangeSize(v string) int64 {
	rest, ok := strings.CutPrefix(v, "bytes */")
	if !ok {
		return -1
	}

	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return -1
	}

	return n
}

func (k *task) tempExists() bool {
	_, err := os.Stat(k.tempPath)
	return err == nil
}

func (k *task) running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state == taskRunning
}

func (k *task) offsetSnapshot() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.offset
}

// token encodes the state needed to continue from written bytes. Without any
// kept bytes the partial file is removed and there is no token.
func (k *task) token(written int64) []byte {
	if written <= 0 {
		k.removeTemp()
		return nil
	}

	k.mu.Lock()
	original, etag := k.original, k.etag
	k.mu.Unlock()

	if original == nil {
		original = &resumetoken.Request{URL: k.url, Method: http.MethodGet}
	}

	data := &resumetoken.ResumeData{
		DownloadURL:     k.url,
		BytesReceived:   written,
		TempFileName:    filepath.Base(k.tempPath),
		EntityTag:       etag,
		OriginalRequest: original,
		CurrentRequest: &resumetoken.Request{
			URL:    k.url,
			Method: http.MethodGet,
			Header: map[string]string{"Range": fmt.Sprintf("bytes=%d-", written)},
		},
	}

	token, err := resumetoken.EncodeResumeData(data)
	if err != nil {
		k.t.logger.Error("failed to encode continuation token", "url", k.url, "err", err)
		k.removeTemp()

		return nil
	}

	return token
}

func (k *task) removeTemp() {
	if err := os.Remove(k.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		k.t.logger.Warn("failed to remove temp file", "path", k.tempPath, "err", err)
	}
}
