package monitor

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a per-client token bucket refilled at perMinute tokens per
// minute. Idle buckets are dropped after ipLimitTTL.
type RateLimiter struct {
	perMinute        int
	ipLimits         map[string]*ipLimit
	ipMu             sync.Mutex
	lastCleanup      time.Time
	cleanupInterval  time.Duration
	ipLimitTTL       time.Duration
	clientIPResolver *ClientIPResolver
}

type ipLimit struct {
	tokens     int
	lastRefill time.Time
	mu         sync.Mutex
}

func NewRateLimiter(perMinute int, resolver *ClientIPResolver) *RateLimiter {
	if resolver == nil {
		resolver = &ClientIPResolver{}
	}
	return &RateLimiter{
		perMinute:        perMinute,
		ipLimits:         make(map[string]*ipLimit),
		lastCleanup:      time.Now(),
		cleanupInterval:  5 * time.Minute,
		ipLimitTTL:       10 * time.Minute,
		clientIPResolver: resolver,
	}
}

// SetCleanupPolicy overrides cleanup interval and TTL (mainly for tests).
func (rl *RateLimiter) SetCleanupPolicy(cleanupInterval, ipLimitTTL time.Duration) {
	rl.ipMu.Lock()
	defer rl.ipMu.Unlock()
	rl.cleanupInterval = cleanupInterval
	rl.ipLimitTTL = ipLimitTTL
	rl.lastCleanup = time.Now()
}

func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return rl.clientIPResolver.FromRequest(r)
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.ipMu.Lock()
	now := time.Now()
	if rl.cleanupInterval > 0 && rl.ipLimitTTL > 0 && now.Sub(rl.lastCleanup) >= rl.cleanupInterval {
		for key, limit := range rl.ipLimits {
			limit.mu.Lock()
			lastRefill := limit.lastRefill
			limit.mu.Unlock()
			if now.Sub(lastRefill) >= rl.ipLimitTTL {
				delete(rl.ipLimits, key)
			}
		}
		rl.lastCleanup = now
	}
	limit, exists := rl.ipLimits[ip]
	if !exists {
		limit = &ipLimit{tokens: rl.perMinute, lastRefill: now}
		rl.ipLimits[ip] = limit
	}
	rl.ipMu.Unlock()

	limit.mu.Lock()
	defer limit.mu.Unlock()

	if elapsed := now.Sub(limit.lastRefill); elapsed >= time.Second {
		tokensToAdd := int(elapsed.Seconds() * float64(rl.perMinute) / 60.0)
		if tokensToAdd > 0 {
			limit.tokens += tokensToAdd
			if limit.tokens > rl.perMinute {
				limit.tokens = rl.perMinute
			}
			limit.lastRefill = now
		}
	}

	if limit.tokens > 0 {
		limit.tokens--
		return true
	}
	return false
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.ClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
