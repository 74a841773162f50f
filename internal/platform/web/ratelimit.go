package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// bucket is the token bucket state of a single visitor.
type bucket struct {
	// mu protects this visitor's tokens so different visitors do not contend.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter limits submissions per client IP using a token bucket.
type RateLimiter struct {
	// visitors maps client IPs to their bucket.
	visitors map[string]*bucket
	// mu protects the map; readers of existing buckets run in parallel.
	mu sync.RWMutex

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64

	now func() time.Time
}

// NewRateLimiter creates a RateLimiter. Idle visitors are evicted until ctx is done.
func NewRateLimiter(ctx context.Context, rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*bucket),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}
	go rl.cleanupVisitors(ctx)
	return rl
}

func (rl *RateLimiter) visitor(ip string) *bucket {
	rl.mu.RLock()
	b, exists := rl.visitors[ip]
	rl.mu.RUnlock()
	if exists {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after taking the write lock.
	if b, exists = rl.visitors[ip]; !exists {
		b = &bucket{
			tokens:     rl.capacity, // Start full
			lastRefill: rl.now(),
		}
		rl.visitors[ip] = b
	}
	return b
}

// Allow consumes a token for ip if one is available, refilling lazily.
func (rl *RateLimiter) Allow(ip string) bool {
	b := rl.visitor(ip)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * rl.rate
		if b.tokens > rl.capacity {
			b.tokens = rl.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}

// cleanupVisitors removes inactive visitors to prevent memory leaks.
func (rl *RateLimiter) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict(visitorTimeout)
		}
	}
}

func (rl *RateLimiter) evict(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	now := rl.now()
	for ip, b := range rl.visitors {
		b.mu.Lock()
		if now.Sub(b.lastRefill) > idle {
			delete(rl.visitors, ip)
			n++
		}
		b.mu.Unlock()
	}
	return n
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
