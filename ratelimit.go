package ward

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides per-client request throttling. Each client IP
// gets an independent token bucket that refills at a steady rate up to
// a configurable burst size.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	// Rate is the number of requests permitted per second per client.
	Rate rate.Limit

	// Burst is the maximum number of requests a client can make in a
	// single burst before being throttled.
	Burst int

	// CleanupInterval controls how often stale limiters are removed.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	done chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new per-client rate limiter.
// r is requests/second, burst is the max tokens a client can accumulate.
func NewRateLimiter(r float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients:         make(map[string]*clientLimiter),
		Rate:            rate.Limit(r),
		Burst:           burst,
		CleanupInterval: time.Minute,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow returns true if the request from the given client address is
// permitted under the rate limit.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	c, ok := rl.clients[host]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.Rate, rl.Burst)}
		rl.clients[host] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// AllowHTTP checks the rate limit for the given HTTP request and writes
// a 429 Too Many Requests response if the client is throttled. Returns
// true if the request is allowed.
func (rl *RateLimiter) AllowHTTP(w http.ResponseWriter, r *http.Request) bool {
	if rl.Allow(r.RemoteAddr) {
		return true
	}

	w.Header().Set("Retry-After", "1")
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			staleThreshold := now.Add(-2 * interval)
			for key, c := range rl.clients {
				if c.lastSeen.Before(staleThreshold) {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
