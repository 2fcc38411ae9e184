package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey     contextKey = "logger"
	transferIDKey contextKey = "transfer_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithTransferID returns a new context carrying the id of the transfer being
// operated on. TraceHandler adds it to every record logged with that context.
func WithTransferID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, transferIDKey, id)
}

// TransferIDFromContext returns the transfer id carried by ctx, if any.
func TransferIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(transferIDKey).(string)
	return id
}
