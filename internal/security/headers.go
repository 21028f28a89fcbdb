package security

import (
	"net/http"
	"strings"
)

// dashboardCSP admits the page's inline script and styles, fetch calls back
// to the gateway API and the command form, and nothing else.
var dashboardCSP = strings.Join([]string{
	"default-src 'none'",
	"script-src 'self' 'unsafe-inline'",
	"style-src 'unsafe-inline'",
	"connect-src 'self'",
	"form-action 'self'",
	"base-uri 'none'",
	"frame-ancestors 'none'",
}, "; ")

// SecurityHeaders sets the response headers every gateway endpoint shares.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", dashboardCSP)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h.Set("Cache-Control", "no-store")
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000")
		}
		next.ServeHTTP(w, r)
	})
}
