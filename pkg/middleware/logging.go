package middleware

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
)

// RequestLogger creates middleware that logs one line per request with
// method, path, status, bytes written, and duration. Metrics capture
// uses httpsnoop so wrapped ResponseWriters keep their optional
// interfaces (Flusher, Hijacker), which the WebSocket upgrade needs.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			level := slog.LevelInfo
			if m.Code >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", m.Code,
				"bytes", m.Written,
				"duration_ms", m.Duration.Milliseconds(),
				"remote", r.RemoteAddr,
			)
		})
	}
}
