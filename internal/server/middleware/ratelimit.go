package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter tracks request budgets per client IP.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
}

// clientBucket is one client's remaining budget for the current window.
type clientBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter returns middleware allowing limit requests per client per
// minute. Clients idle for two windows are forgotten.
func NewRateLimiter(limit int) func(http.Handler) http.Handler {
	limiter := &rateLimiter{
		clients: make(map[string]*clientBucket),
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.cleanup()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r), limit) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *rateLimiter) allow(ip string, limit int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	bucket, exists := rl.clients[ip]
	if !exists {
		bucket = &clientBucket{tokens: limit, lastRefill: now}
		rl.clients[ip] = bucket
	}

	if now.Sub(bucket.lastRefill) >= time.Minute {
		bucket.tokens = limit
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, bucket := range rl.clients {
		if now.Sub(bucket.lastRefill) > 2*time.Minute {
			delete(rl.clients, ip)
		}
	}
}

// clientIP extracts the caller's address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
