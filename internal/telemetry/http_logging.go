package telemetry

import (
	"net/http"
	"time"

	"github.com/italolelis/assetfetch/internal/logctx"
)

// statusRecorder remembers the status code and body size of a response. Only
// the first WriteHeader reaches the client.
type statusRecorder struct {
	http.ResponseWriter

	status      int
	bytes       int64
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}

	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)

	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPLogging logs every API call once it has been served: 5xx at error level,
// 4xx at warn level and everything else at info. Metrics scrapes only show up
// at debug.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r)

		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		if id := r.URL.Query().Get("id"); id != "" {
			attrs = append(attrs, "transfer_id", id)
		}

		switch {
		case rec.status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "api call served", attrs...)
		case rec.status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "api call served", attrs...)
		case r.URL.Path == "/metrics":
			logger.DebugContext(ctx, "metrics scraped", attrs...)
		default:
			logger.InfoContext(ctx, "api call served", attrs...)
		}
	})
}
