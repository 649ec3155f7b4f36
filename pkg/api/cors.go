package api

import "net/http"

// corsMiddleware restricts browser callers to loopback origins plus
// whatever extra origins the deployment configures (typically a specific
// browser-extension origin). The core has no caller authentication of its
// own, so origin restriction is the only access control it offers out of
// the box.
func corsMiddleware(extraOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && isOriginAllowed(origin, extraOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var loopbackOrigins = []string{
	"http://localhost", "http://127.0.0.1", "http://[::1]",
}

func isOriginAllowed(origin string, extra []string) bool {
	for _, o := range loopbackOrigins {
		if hasPrefixUpToColon(origin, o) {
			return true
		}
	}
	for _, o := range extra {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// hasPrefixUpToColon reports whether origin is exactly prefix, or prefix
// followed by ":<port>", so "http://localhost:5173" matches
// "http://localhost" but "http://localhost.evil.com" does not.
func hasPrefixUpToColon(origin, prefix string) bool {
	if origin == prefix {
		return true
	}
	if len(origin) > len(prefix) && origin[:len(prefix)] == prefix && origin[len(prefix)] == ':' {
		return true
	}
	return false
}
