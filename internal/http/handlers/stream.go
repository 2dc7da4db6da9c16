package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/konstantinmiller/dashp2p/internal/http/middleware"
)

// StreamSource hands out the pull side of the playback session.
type StreamSource interface {
	Reader(ctx context.Context) io.Reader
}

// StreamHandler serves the media stream to a single host player.
type StreamHandler struct {
	source      StreamSource
	sessionID   string
	contentType string
	chunkSize   int
	logger      *slog.Logger
	busy        atomic.Bool
}

// NewStreamHandler creates a stream handler. contentType is sent with the
// response, chunkSize bounds every pull.
func NewStreamHandler(source StreamSource, sessionID, contentType string, chunkSize int, logger *slog.Logger) *StreamHandler {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if chunkSize <= 0 {
		chunkSize = 64 << 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		source:      source,
		sessionID:   sessionID,
		contentType: contentType,
		chunkSize:   chunkSize,
		logger:      logger,
	}
}

// Register mounts the stream on the router.
func (h *StreamHandler) Register(r chi.Router, path string) {
	r.Get(path, h.ServeHTTP)
}

// ServeHTTP copies the stream until it ends or the client goes away. The
// stream position is shared, so only one client may pull at a time.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.busy.CompareAndSwap(false, true) {
		http.Error(w, "stream already has a consumer", http.StatusConflict)
		return
	}
	defer h.busy.Store(false)

	w.Header().Set("Content-Type", h.contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(middleware.SessionHeader, h.sessionID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	reader := h.source.Reader(r.Context())
	buf := make([]byte, h.chunkSize)
	var written int64

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Info("stream client went away", slog.Int64("bytes", written))
				return
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.logger.Info("stream finished", slog.Int64("bytes", written))
			} else if r.Context().Err() == nil {
				h.logger.Warn("stream aborted", slog.Int64("bytes", written), slog.String("error", err.Error()))
			}
			return
		}
	}
}
