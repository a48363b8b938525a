package middleware

import (
	"net"
	"net/http"

	"github.com/znz-systems/mailslot/internal/metrics"
	"github.com/znz-systems/mailslot/internal/ratelimit"
)

// RateLimit limits requests per client IP. It expects chi's RealIP to have
// run first when the service sits behind a proxy.
func RateLimit(limiter *ratelimit.Limiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if !limiter.Allow(ip) {
				m.RateLimited()
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
