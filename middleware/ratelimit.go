package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"stampledger/auth"
)

// RateLimiter applies a per-caller token bucket. Callers are identified by
// API key when present, falling back to remote address.
type RateLimiter struct {
	perMinute float64
	burst     int

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter allowing perMinute requests per caller.
// A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	burst := perMinute / 4
	if burst < 5 {
		burst = 5
	}
	return &RateLimiter{
		perMinute: float64(perMinute),
		burst:     burst,
		visitors:  make(map[string]*rate.Limiter),
	}
}

// Middleware enforces the limit.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.perMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		if !r.obtain(clientID(req)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtain(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.perMinute/60.0), r.burst)
		r.visitors[id] = limiter
	}
	return limiter
}

func clientID(req *http.Request) string {
	if key := strings.TrimSpace(req.Header.Get(auth.HeaderAPIKey)); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
