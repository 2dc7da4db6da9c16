package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konstantinmiller/dashp2p/internal/observability"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = observability.RequestIDFromContext(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestAccessLog_API(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"success at debug", http.StatusOK, "DEBUG"},
		{"client error at warn", http.StatusNotFound, "WARN"},
		{"server error at error", http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			h := RequestID(AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("hello"))
			})))

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

			out := buf.String()
			assert.Contains(t, out, "level="+tt.level)
			assert.Contains(t, out, `msg="api request"`)
			assert.Contains(t, out, "path=/api/v1/status")
			assert.Contains(t, out, "size=5")
			assert.Contains(t, out, "request_id=")
			assert.NotContains(t, out, "session_id")
		})
	}
}

func TestAccessLog_Stream(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(SessionHeader, "sess-42")
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Write(bytes.Repeat([]byte{1}, 2048))
		f.Flush()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StreamPath, nil))

	assert.True(t, rec.Flushed)
	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, `msg="stream pull finished"`)
	assert.Contains(t, out, "session_id=sess-42")
	assert.Contains(t, out, "size=2048")
	assert.Contains(t, out, `streamed="2.0 KiB"`)
	assert.Contains(t, out, "first_byte=")
}

func TestRecovery(t *testing.T) {
	t.Run("before the response", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, buf.String(), "panic recovered")
		assert.Contains(t, buf.String(), "boom")
	})

	t.Run("during a stream", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		h := AccessLog(logger)(Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(SessionHeader, "sess-7")
			w.Write([]byte("media"))
			panic("boom")
		})))

		rec := httptest.NewRecorder()
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StreamPath, nil))
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "media", rec.Body.String(), "nothing is appended to a started stream")
		out := buf.String()
		assert.Contains(t, out, "aborting connection")
		assert.Contains(t, out, "session_id=sess-7")
		assert.Contains(t, out, "bytes_sent=5")
	})

	t.Run("abort passes through", func(t *testing.T) {
		var buf bytes.Buffer
		h := Recovery(slog.New(slog.NewTextHandler(&buf, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, StreamPath, nil))
		})
		assert.Empty(t, buf.String())
	})
}

func TestPlayerCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	preflight := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodOptions, StreamPath, nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		return req
	}

	t.Run("any origin preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		PlayerCORS()(ok).ServeHTTP(rec, preflight("http://player.example"))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Range")
		assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
		assert.Empty(t, rec.Header().Get("Vary"))
	})

	t.Run("plain options reaches the handler", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, StreamPath, nil)
		req.Header.Set("Origin", "http://player.example")
		rec := httptest.NewRecorder()
		PlayerCORS()(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("restricted origins", func(t *testing.T) {
		h := PlayerCORS("http://player.example")(ok)

		req := httptest.NewRequest(http.MethodGet, StreamPath, nil)
		req.Header.Set("Origin", "http://other.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, preflight("http://other.example"))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))

		req.Header.Set("Origin", "http://player.example")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "http://player.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), SessionHeader)
	})

	t.Run("same origin untouched", func(t *testing.T) {
		rec := httptest.NewRecorder()
		PlayerCORS()(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StreamPath, nil))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSkipCompressionForStream(t *testing.T) {
	marker := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Compressed", "yes")
			next.ServeHTTP(w, r)
		})
	}
	h := SkipCompressionForStream(marker)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	for path, compressed := range map[string]bool{
		StreamPath:          false,
		StreamPath + "/abc": false,
		"/streams":          true,
		"/api/v1/status":    true,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, compressed, strings.EqualFold(rec.Header().Get("X-Compressed"), "yes"), path)
	}
}
