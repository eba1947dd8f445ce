package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/s3ni0r/caravel/internal/config"
)

type ctxKey int

const traceIDKey ctxKey = iota

// NewLogger builds the process-wide logger. JSON output is the deployment
// default; the text handler stays available for local runs. Every line
// carries the service name and profile so api and worker streams can be
// mixed without losing their origin.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler = slog.NewTextHandler(writer, opts)
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
