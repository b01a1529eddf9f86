package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	Rate  rate.Limit // requests per second per client
	Burst int
	// Idle limiters older than MaxAge are evicted every CleanupInterval.
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// DefaultRateLimitConfig allows 10 requests/second with a burst of 20, which
// is well above what a front-desk console issues.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(10),
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter holds one token bucket per client address.
type ClientRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	cfg     RateLimitConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewClientRateLimiter creates a limiter. Call Run to evict idle clients.
func NewClientRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *ClientRateLimiter {
	return &ClientRateLimiter{
		clients: make(map[string]*clientLimiter),
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit"),
		now:     time.Now,
	}
}

// Allow reports whether a request from client may proceed.
func (rl *ClientRateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.clients[client] = c
	}
	c.lastSeen = rl.now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// Run evicts idle clients until ctx is done.
func (rl *ClientRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evict()
		case <-ctx.Done():
			return
		}
	}
}

func (rl *ClientRateLimiter) evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.cfg.MaxAge)
	removed := 0
	for client, c := range rl.clients {
		if !c.lastSeen.After(cutoff) {
			delete(rl.clients, client)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("evicted idle clients", "removed", removed, "remaining", len(rl.clients))
	}
	return removed
}

// RateLimit returns middleware answering 429 with Retry-After once a client
// exceeds its bucket.
func RateLimit(rl *ClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)
			if !rl.Allow(client) {
				rl.logger.Warn("rate limit exceeded", "client", client, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP runs first when the
// API sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
