// Package httpfetch implements transport.Transport over plain HTTP range requests.
// Partial data lives in a temp file whose name travels inside the continuation
// token, so a paused transfer can pick up where it stopped.
package httpfetch

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/italolelis/assetfetch/internal/resumetoken"
	"github.com/italolelis/assetfetch/internal/transport"
)

const (
	defaultRetryMax         = 3
	defaultProgressInterval = 256 * 1024
	tempPrefix              = "download-"
	tempSuffix              = ".tmp"
)

// StatusError is reported when the server answers with a non-success status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %s", e.URL, e.Status)
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient sets the client requests are sent through. Retries wrap it.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client.HTTPClient = c }
}

// WithRetryMax sets how many times a failed request is retried before the
// transfer is reported as failed.
func WithRetryMax(n int) Option {
	return func(t *Transport) { t.client.RetryMax = n }
}

// WithRetryWait bounds the backoff between retries.
func WithRetryWait(min, max time.Duration) Option {
	return func(t *Transport) {
		t.client.RetryWaitMin = min
		t.client.RetryWaitMax = max
	}
}

// WithLogger sets the logger for transport and retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
		t.client.Logger = l
	}
}

// WithProgressInterval sets how many bytes may arrive between two progress
// reports. Reports are also sent whenever the whole percentage advances.
func WithProgressInterval(bytes int64) Option {
	return func(t *Transport) { t.interval = bytes }
}

// Transport downloads into temp files under a single directory.
type Transport struct {
	tempDir  string
	client   *retryablehttp.Client
	logger   *slog.Logger
	interval int64
	// sync flushes a fully fetched temp file before it is reported complete.
	sync func(*os.File) error
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Transport that keeps partial downloads in tempDir.
func New(tempDir string, opts ...Option) *Transport {
	client := retryablehttp.NewClient()
	client.RetryMax = defaultRetryMax
	// Hand the last response back so non-2xx replies surface as StatusError.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &Transport{
		tempDir:  tempDir,
		client:   client,
		logger:   slog.Default(),
		interval: defaultProgressInterval,
		sync:     (*os.File).Sync,
	}
	client.Logger = t.logger

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// NewTransfer prepares a download of rawURL into a fresh temp file.
func (t *Transport) NewTransfer(rawURL string, d transport.Delegate) (transport.Handle, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	name := tempPrefix + uuid.New().String() + tempSuffix

	return newTask(t, d, rawURL, filepath.Join(t.tempDir, name)), nil
}

// ResumeTransfer rebuilds a download from a canonical continuation token. The
// partial file it names must still be present and hold at least the bytes the
// token claims.
func (t *Transport) ResumeTransfer(token []byte, d transport.Delegate) (transport.Handle, error) {
	data, err := resumetoken.DecodeResumeData(token)
	if err != nil {
		return nil, err
	}

	rawURL := data.URL()
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	name := data.TempFileName
	if name == "" || name != filepath.Base(name) || !strings.HasPrefix(name, tempPrefix) {
		return nil, fmt.Errorf("continuation token names invalid temp file %q", name)
	}

	path := filepath.Join(t.tempDir, name)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("partial download is gone: %w", err)
	}

	if info.Size() < data.BytesReceived {
		return nil, fmt.Errorf("partial download %s holds %d bytes, token claims %d", name, info.Size(), data.BytesReceived)
	}

	tk := newTask(t, d, rawURL, path)
	tk.offset = data.BytesReceived
	tk.etag = data.EntityTag
	// Request snapshots are filled in by the caller through transport.RequestSetter.

	return tk, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	return nil
}
