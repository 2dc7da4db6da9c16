package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const (
	corsMethods = "GET, HEAD, PUT, OPTIONS"
	corsHeaders = "Accept, Content-Type, Range, " + RequestIDHeader
	corsExposed = RequestIDHeader + ", " + SessionHeader + ", Content-Length"
	corsMaxAge  = "86400"
)

// PlayerCORS lets browser players on other origins pull /stream and read
// the session header. With no origins, or "*", every origin is allowed.
// Preflights are answered directly; other requests pass through.
func PlayerCORS(origins ...string) func(http.Handler) http.Handler {
	anyOrigin := len(origins) == 0 || slices.Contains(origins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			if !anyOrigin {
				h.Add("Vary", "Origin")
			}
			allowed := anyOrigin || slices.ContainsFunc(origins, func(o string) bool {
				return strings.EqualFold(o, origin)
			})
			if allowed {
				if anyOrigin {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
				}
				h.Set("Access-Control-Expose-Headers", corsExposed)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					h.Set("Access-Control-Max-Age", corsMaxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
