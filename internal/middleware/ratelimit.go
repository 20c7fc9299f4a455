package middleware

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noemahq/noema/internal/config"
	"github.com/noemahq/noema/internal/core"
)

// RateLimiter enforces a per-caller request budget on fixed one-minute
// windows. With a Redis client the counters are shared across replicas;
// without one it degrades to per-process windows. Redis outages fail open:
// slowing legitimate traffic is worse than briefly not limiting it.
type RateLimiter struct {
	rdb    *redis.Client
	cfg    config.RateLimitConfig
	logger *log.Logger

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count int
	start time.Time
}

func NewRateLimiter(rdb *redis.Client, cfg config.RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute / 2
	}

	rl := &RateLimiter{
		rdb:     rdb,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		windows: make(map[string]*window),
	}
	if rdb == nil {
		go rl.cleanup()
	}
	return rl
}

// Middleware rejects callers past their budget with 429 and a Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerIdentity(r)
		count := rl.take(r.Context(), key)

		limit := rl.cfg.RequestsPerMinute
		if count > limit+rl.cfg.Burst {
			rl.logger.Printf("🚫 rate limit exceeded: key=%s count=%d cap=%d", key, count, limit+rl.cfg.Burst)
			w.Header().Set("Retry-After", strconv.Itoa(secondsToNextMinute()))
			writeErr(w, core.E(core.KindRateLimited, "rate limit exceeded, retry after the current window"))
			return
		}
		if count > limit {
			rl.logger.Printf("⚠️ burst traffic: key=%s count=%d limit=%d", key, count, limit)
		}

		next.ServeHTTP(w, r)
	})
}

// take increments and returns the caller's count in the current window.
func (rl *RateLimiter) take(ctx context.Context, key string) int {
	minute := time.Now().Unix() / 60

	if rl.rdb != nil {
		bucket := fmt.Sprintf("rl:%s:%d", key, minute)
		count, err := rl.rdb.Incr(ctx, bucket).Result()
		if err != nil {
			rl.logger.Printf("⚠️ redis unavailable, admitting request: %v", err)
			return 1
		}
		if count == 1 {
			rl.rdb.Expire(ctx, bucket, 2*time.Minute)
		}
		return int(count)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	win, ok := rl.windows[key]
	if !ok || time.Since(win.start) > time.Minute {
		win = &window{start: time.Now()}
		rl.windows[key] = win
	}
	win.count++
	return win.count
}

// cleanup reaps stale in-memory windows.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for key, win := range rl.windows {
			if time.Since(win.start) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// callerIdentity buckets by key prefix when a key is presented, else by
// client IP. Runs before auth, so the prefix is taken at face value; a
// wrong key still burns the caller's own budget.
func callerIdentity(r *http.Request) string {
	if secret := r.Header.Get("X-API-Key"); secret != "" {
		return core.KeyPrefix(secret)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func secondsToNextMinute() int {
	now := time.Now()
	return int(now.Truncate(time.Minute).Add(time.Minute).Sub(now).Seconds()) + 1
}
