package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for the request.
type KeyFunc func(r *http.Request) string

// DeniedFunc writes the response for a rejected request.
type DeniedFunc func(w http.ResponseWriter, r *http.Request)

// Middleware returns HTTP middleware that enforces limiter. Limiter errors are
// logged and the request is allowed through.
func Middleware(limiter Limiter, keyFunc KeyFunc, denied DeniedFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				ok = true
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(1))
				denied(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys on the client address. X-Forwarded-For is not trusted.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return "ip:" + addr[:idx]
	}
	return "ip:" + addr
}
