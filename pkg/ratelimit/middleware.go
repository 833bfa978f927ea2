package ratelimit

import (
	"net"
	"net/http"
	"strconv"

	"github.com/daverjorge46/yoyoclaw-sub006/pkg/httpx"
)

// KeyFunc derives the limiter key for a request. The default keys by
// client IP; guardd swaps in the authenticated principal where one
// exists so shared NATs do not pool their budget.
type KeyFunc func(r *http.Request) string

func ByClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the per-window limit with 429 and
// standard X-RateLimit headers.
func Middleware(l Limiter, limit int, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ByClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(key(r), limit)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
