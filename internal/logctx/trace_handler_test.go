package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output: %s", buf.String())

	return entry
}

// spanContext builds a context holding a valid, non-recording span.
func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_NoContextFields(t *testing.T) {
	var buf bytes.Buffer

	newTestLogger(&buf, slog.LevelInfo).InfoContext(context.Background(), "transfer started", "url", "https://x/a.mp3")

	entry := decodeRecord(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "transfer_id")
	assert.Equal(t, "transfer started", entry["msg"])
	assert.Equal(t, "https://x/a.mp3", entry["url"])
}

func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer

	newTestLogger(&buf, slog.LevelInfo).InfoContext(spanContext(t), "transfer paused")

	entry := decodeRecord(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestTraceHandler_WithTransferID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithTransferID(spanContext(t), "t1")
	newTestLogger(&buf, slog.LevelInfo).InfoContext(ctx, "transfer resumed")

	entry := decodeRecord(t, &buf)
	assert.Equal(t, "t1", entry["transfer_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer

	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "manager")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	grouped := withAttrs.WithGroup("transfer")
	require.IsType(t, &TraceHandler{}, grouped)

	slog.New(grouped).InfoContext(WithTransferID(context.Background(), "t9"), "placed", "path", "/store/a.mp3")

	entry := decodeRecord(t, &buf)
	assert.Equal(t, "manager", entry["component"])

	group, ok := entry["transfer"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/store/a.mp3", group["path"])
	assert.Equal(t, "t9", group["transfer_id"])
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, l, LoggerFromContext(WithLogger(context.Background(), l)))

	assert.Empty(t, TransferIDFromContext(context.Background()))
	assert.Equal(t, "t1", TransferIDFromContext(WithTransferID(context.Background(), "t1")))
}
