package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/konstantinmiller/dashp2p/internal/observability"
)

// AccessLog logs every request once it finished. Stream pulls are logged at
// info with the session and the amount of media handed to the player; API
// calls are logged at debug unless they failed.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mw := meter(w)
			next.ServeHTTP(mw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", mw.status),
				slog.Int64("size", mw.written),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", observability.RequestIDFromContext(r.Context())),
			}

			if isStream(r) {
				level := slog.LevelInfo
				if mw.status >= 400 {
					level = slog.LevelWarn
				}
				if !mw.firstByte.IsZero() {
					attrs = append(attrs, slog.Duration("first_byte", mw.firstByte.Sub(start)))
				}
				attrs = append(attrs,
					slog.String("session_id", mw.session()),
					slog.String("streamed", humanize.IBytes(uint64(mw.written))),
				)
				logger.LogAttrs(r.Context(), level, "stream pull finished", attrs...)
				return
			}

			level := slog.LevelDebug
			if mw.status >= 500 {
				level = slog.LevelError
			} else if mw.status >= 400 {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "api request", attrs...)
		})
	}
}
