package middleware

import (
	"net/http"
	"time"
)

// SessionHeader carries the playback session id on /stream responses.
const SessionHeader = "X-Stream-Session"

// meteredWriter records what a handler sent: the status, how many bytes and
// when the first one left.
type meteredWriter struct {
	http.ResponseWriter
	status    int
	written   int64
	firstByte time.Time
	committed bool
}

// meter wraps w unless an outer middleware already did.
func meter(w http.ResponseWriter) *meteredWriter {
	if mw, ok := w.(*meteredWriter); ok {
		return mw
	}
	return &meteredWriter{ResponseWriter: w, status: http.StatusOK}
}

func (mw *meteredWriter) WriteHeader(code int) {
	if mw.committed {
		return
	}
	mw.status = code
	mw.committed = true
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *meteredWriter) Write(b []byte) (int, error) {
	if !mw.committed {
		mw.WriteHeader(http.StatusOK)
	}
	if mw.firstByte.IsZero() && len(b) > 0 {
		mw.firstByte = time.Now()
	}
	n, err := mw.ResponseWriter.Write(b)
	mw.written += int64(n)
	return n, err
}

// Flush forwards to the underlying writer so pulled media reaches the
// player as it is written.
func (mw *meteredWriter) Flush() {
	if f, ok := mw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (mw *meteredWriter) Unwrap() http.ResponseWriter {
	return mw.ResponseWriter
}

// session returns the playback session the handler announced, if any.
func (mw *meteredWriter) session() string {
	return mw.Header().Get(SessionHeader)
}
