package observability

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// HeaderTraceID is echoed back on every response so a client can quote the
// id when reporting a failed or stuck query.
const HeaderTraceID = "X-Trace-ID"

// Instrument wraps a handler with trace-id propagation, request metrics, and
// one access-log line per request. A nil logger disables the log line but
// keeps traces and metrics; the test profile uses that.
func Instrument(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(HeaderTraceID)
			if traceID == "" {
				traceID = uuid.NewString()
			}
			ctx := ContextWithTraceID(r.Context(), traceID)
			w.Header().Set(HeaderTraceID, traceID)

			tracked := &trackedResponse{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(tracked, r.WithContext(ctx))
			elapsed := time.Since(start)

			status := strconv.Itoa(tracked.status)
			httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			httpRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path, status).Observe(elapsed.Seconds())

			if logger == nil {
				return
			}
			logger.InfoContext(ctx, "http_request",
				slog.String("trace_id", traceID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status", tracked.status),
				slog.Duration("duration", elapsed),
				slog.Int("bytes", tracked.bytes),
			)
		})
	}
}

// trackedResponse records what was written so the wrapper can emit status and
// size after the inner handler returns.
type trackedResponse struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (t *trackedResponse) WriteHeader(status int) {
	if !t.wroteHeader {
		t.status = status
		t.wroteHeader = true
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackedResponse) Write(body []byte) (int, error) {
	n, err := t.ResponseWriter.Write(body)
	t.bytes += n
	return n, err
}
