package middleware

import (
	"net/http"
	"strings"
)

// StreamPath is the route of the raw media stream.
const StreamPath = "/stream"

func isStream(r *http.Request) bool {
	return r.URL.Path == StreamPath || strings.HasPrefix(r.URL.Path, StreamPath+"/")
}

// SkipCompressionForStream wraps a compression middleware so that the media
// stream is passed through untouched. Media segments are already compressed
// and the player needs every byte flushed as it is pulled.
func SkipCompressionForStream(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStream(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}
