package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

// Logging returns middleware that emits structured log entries for each
// pipeline run. The log entry includes the request ID (from context),
// conversation ID, model, auto-fix flag, duration, and whether the run
// succeeded or failed.
//
// Note: The HTTP method and path are not available at the StreamRunner
// level. For full HTTP-level logging (including status codes), use
// HTTP-level middleware in the adapter.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next StreamRunner) StreamRunner {
		return StreamRunnerFunc(func(ctx context.Context, req *api.RunRequest, w EventWriter) error {
			start := time.Now()
			requestID := RequestIDFromContext(ctx)

			err := next.Run(ctx, req, w)

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("conversation_id", req.ConversationID),
				slog.String("model", req.Model),
				slog.Bool("auto_fix", req.AutoFix),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "run failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "run completed", attrs...)
			}

			return err
		})
	}
}
