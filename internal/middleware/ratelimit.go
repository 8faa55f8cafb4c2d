// Package middleware provides the fabric's gin middleware chain: rate
// limiting and bearer-token auth enforcement (C2's boundary).
package middleware

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/meshforge/fabricd/internal/config"
	ferrors "github.com/meshforge/fabricd/internal/errors"
	"github.com/meshforge/fabricd/pkg/metrics"
)

// RateLimiter implements the per source-IP x endpoint token bucket named
// in spec §4.2: default 200 req/min burst 30, with per-endpoint
// overrides (stricter /rpc, looser /health).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	cfg      config.RateLimitConfig
	overrides map[string]config.RateLimitConfig
}

type limiterEntry struct {
	limiter *rate.Limiter
	cfg     config.RateLimitConfig
	created time.Time
}

// NewRateLimiter creates a rate limiter using cfg as the default bucket
// shape for any key without an override.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		limiters:  make(map[string]*limiterEntry),
		cfg:       cfg,
		overrides: make(map[string]config.RateLimitConfig),
	}
	// /rpc is the control-plane hot path: stricter by default.
	rpcBurst := cfg.Burst / 2
	if rpcBurst < 1 {
		rpcBurst = 1
	}
	rl.overrides["/rpc"] = config.RateLimitConfig{RequestsPerMinute: cfg.RequestsPerMinute / 2, Burst: rpcBurst}
	// /health is looser: liveness probes should not be throttled away.
	rl.overrides["/health"] = config.RateLimitConfig{RequestsPerMinute: cfg.RequestsPerMinute * 5, Burst: cfg.Burst * 5}
	return rl
}

func (rl *RateLimiter) configFor(path string) config.RateLimitConfig {
	if c, ok := rl.overrides[path]; ok {
		return c
	}
	return rl.cfg
}

func (rl *RateLimiter) getLimiter(key, path string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, exists := rl.limiters[key]; exists {
		return entry.limiter
	}

	cfg := rl.configFor(path)
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60, cfg.Burst)
	rl.limiters[key] = &limiterEntry{limiter: limiter, cfg: cfg, created: time.Now()}

	go func() {
		time.Sleep(10 * time.Minute)
		rl.mu.Lock()
		delete(rl.limiters, key)
		rl.mu.Unlock()
	}()

	return limiter
}

// RateLimit applies the per-(IP, endpoint) token bucket to every request.
// Exceeding returns a bad_request-shaped 429 with a Retry-After header
// computed from the bucket's token deficit and refill rate (at least one
// second), per spec §4.2. m may be nil
// (used by tests that don't need the Prometheus side effect).
func RateLimit(cfg config.RateLimitConfig, m *metrics.Metrics) gin.HandlerFunc {
	rl := NewRateLimiter(cfg)

	return func(c *gin.Context) {
		path := c.FullPath()
		key := fmt.Sprintf("%s:%s", c.ClientIP(), path)
		limiter := rl.getLimiter(key, path)
		bucketCfg := rl.configFor(path)

		if !limiter.Allow() {
			retryAfter := time.Second
			if lim := limiter.Limit(); lim > 0 {
				if wait := time.Duration((1 - limiter.Tokens()) / float64(lim) * float64(time.Second)); wait > retryAfter {
					retryAfter = wait
				}
			}
			c.Header("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
			c.Header("X-Rate-Limit-Limit", strconv.Itoa(bucketCfg.RequestsPerMinute))
			c.Header("X-Rate-Limit-Remaining", "0")
			c.Header("X-Rate-Limit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))

			if m != nil {
				m.IncRateLimited(path)
			}

			fe := ferrors.NewRateLimited("rate limit exceeded for " + path)
			c.JSON(fe.HTTPStatus(), gin.H{"error": fe})
			c.Abort()
			return
		}

		c.Header("X-Rate-Limit-Limit", strconv.Itoa(bucketCfg.RequestsPerMinute))
		c.Next()
	}
}
