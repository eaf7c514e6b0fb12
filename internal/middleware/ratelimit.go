// Package middleware carries the HTTP middleware the licensing server
// mounts on top of chi's stock set.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	apperrors "keymint/internal/errors"
)

// RateLimiter throttles requests per client IP. Activation brute-force
// is the main target: guessing license keys must stay expensive.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	logger   *slog.Logger
}

// NewRateLimiter creates a per-IP limiter allowing rps requests per
// second with the given burst.
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger.With(slog.String("component", "rate_limiter")),
	}
}

// Handler wraps next with the per-IP limit.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.limiter(ip).Allow() {
			rl.logger.WarnContext(r.Context(), "request rate limited",
				slog.String("remote_ip", ip),
				slog.String("path", r.URL.Path),
			)
			problem := apperrors.NewProblemDetails(
				http.StatusTooManyRequests,
				"/errors/rate-limited",
				"Too Many Requests",
				"Too many attempts from this address. Please wait before retrying.",
				r.URL.Path,
			).WithExtension("error_code", "RATE_LIMITED")
			render.Render(w, r, problem)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
