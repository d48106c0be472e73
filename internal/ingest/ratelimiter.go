package ingest

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"secureops/internal/config"
)

// RateLimiter is a fixed-window limiter keyed by source IP.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*window

	allowed atomic.Uint64
	limited atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
}

type window struct {
	count int
	end   time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop when
// CleanupPeriod is positive.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	if cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Limit is the number of requests allowed per window.
func (rl *RateLimiter) Limit() int {
	return rl.cfg.RequestsPerIP + rl.cfg.BurstSize
}

// Allow reports whether ip may make another request, how many remain in the
// current window, and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.clients[ip]
	if !ok || now.After(w.end) {
		w = &window{end: now.Add(rl.cfg.Window)}
		rl.clients[ip] = w
	}

	limit := rl.Limit()
	if w.count >= limit {
		rl.limited.Add(1)
		return false, 0, w.end
	}
	w.count++
	rl.allowed.Add(1)
	return true, limit - w.count, w.end
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup drops windows that ended more than one window ago.
func (rl *RateLimiter) cleanup() int {
	threshold := rl.now().Add(-rl.cfg.Window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, w := range rl.clients {
		if w.end.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
	return removed
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiterStats holds limiter counters.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// Stats returns limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.clients)
	rl.mu.Unlock()
	return RateLimiterStats{
		TrackedIPs: tracked,
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

// rateLimitMiddleware limits /v1/events per source IP.
func rateLimitMiddleware(next http.Handler, limiter *RateLimiter, trustForwardedFor bool, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, trustForwardedFor)
		allowed, remaining, reset := limiter.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(reset).Seconds()) + 1
			logger.Warn("rate limit exceeded", "ip", ip, "method", r.Method)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
