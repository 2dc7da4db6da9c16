package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/konstantinmiller/dashp2p/internal/observability"
)

// Recovery turns handler panics into a 500. Once a stream response is
// under way a status can no longer be sent, so the connection is aborted
// instead and the player sees a truncated stream.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw := meter(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				attrs := []any{
					slog.Any("error", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", observability.RequestIDFromContext(r.Context())),
				}
				if session := mw.session(); session != "" {
					attrs = append(attrs, slog.String("session_id", session))
				}

				if mw.committed {
					logger.ErrorContext(r.Context(), "panic after response started, aborting connection",
						append(attrs, slog.Int64("bytes_sent", mw.written))...)
					panic(http.ErrAbortHandler)
				}
				logger.ErrorContext(r.Context(), "panic recovered", attrs...)
				http.Error(mw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(mw, r)
		})
	}
}
