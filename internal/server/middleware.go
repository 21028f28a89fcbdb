package server

import (
	"log"
	"net/http"
	"runtime/debug"
	"strings"

	"telegate/internal/constants"
	"telegate/internal/security"
	"telegate/internal/utils"
)

// CorsMiddleware opens the JSON API to the configured operator origins.
// Device upgrades and the dashboard page are same-origin only.
func CorsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !isAPIPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if !security.OriginAllowed(origin, allowed) {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/") ||
		path == constants.EndpointLegacyCommand ||
		path == constants.EndpointHealth
}

func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") ||
			strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		gz := utils.GetGzipWriter(w)
		defer utils.PutGzipWriter(gz)

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		next.ServeHTTP(&utils.GzipResponseWriter{ResponseWriter: w, Writer: gz}, r)
	})
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("🔥 PANIC RECOVERED on %s %s: %v\nStack Trace:\n%s", r.Method, r.URL.Path, err, string(debug.Stack()))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
