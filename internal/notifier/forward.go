package notifier

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/transfer"
)

// CompletedMessage renders a finished transfer for a chat channel.
func CompletedMessage(c transfer.Completed) string {
	if !c.Placed {
		return "⚠️ Download finished but could not be stored: " + c.ID
	}

	return "✅ Download finished: " + c.ID + " (" + c.Path + ")"
}

// FailedMessage renders a failed transfer for a chat channel.
func FailedMessage(f transfer.Failed) string {
	return "❌ Download failed: " + f.ID + ": " + f.Reason
}

// Forward drains sink until its channels are closed or ctx is done, logging
// every event and passing completions and failures to n. A nil n only logs.
func Forward(ctx context.Context, sink *transfer.ChannelSink, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	progressed, finished, failed := sink.OnProgressed, sink.OnFinished, sink.OnFailure

	for progressed != nil || finished != nil || failed != nil {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-progressed:
			if !ok {
				progressed = nil
				continue
			}

			logger.Debug("transfer progress",
				"transfer_id", p.ID,
				"fraction", p.Fraction,
				"written", humanize.IBytes(uint64(max(p.BytesWritten, 0))),
				"total", p.TotalSizeLabel,
			)
		case c, ok := <-finished:
			if !ok {
				finished = nil
				continue
			}

			logger.Info("transfer finished", "transfer_id", c.ID, "path", c.Path, "placed", c.Placed)
			notify(ctx, n, c.ID, CompletedMessage(c))
		case f, ok := <-failed:
			if !ok {
				failed = nil
				continue
			}

			logger.Error("transfer failed", "transfer_id", f.ID, "err", f.Err)
			notify(ctx, n, f.ID, FailedMessage(f))
		}
	}
}

func notify(ctx context.Context, n Notifier, id, content string) {
	if n == nil {
		return
	}

	if err := n.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "transfer_id", id, "err", err)
	}
}
