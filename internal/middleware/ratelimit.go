package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"planboard/internal/config"
	appmetrics "planboard/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: time.Now(),
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter holds one bucket per client key for a single limit.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	label   string
	prefix  string
	rpm     int
	burst   int
}

func newLimiter(label, prefix string, rpm, burst int) *limiter {
	return &limiter{buckets: make(map[string]*tokenBucket), label: label, prefix: prefix, rpm: rpm, burst: burst}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.rpm, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.allow()
}

// RateLimit enforces cfg.Security.RateLimiting. The first enabled path
// prefix that matches wins; everything else falls back to the global limit.
// Rejections are counted per prefix ("global" for the fallback).
func RateLimit(cfg *config.Config) gin.HandlerFunc {
	if cfg == nil || !cfg.Security.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	rl := cfg.Security.RateLimiting

	var paths []*limiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, newLimiter(p.Prefix, p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter("global", "", rl.RequestsPerMinute, rl.Burst)
	}

	whitelisted := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelisted[strings.TrimSpace(ip)] = struct{}{}
	}

	return func(c *gin.Context) {
		key, fromHeader := clientKey(c, rl.KeyHeader)
		if !fromHeader {
			if _, ok := whitelisted[c.ClientIP()]; ok {
				c.Next()
				return
			}
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		target := global
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				target = pl
				break
			}
		}
		if target != nil && !target.allow(key) {
			appmetrics.IncRateLimitDrop(target.label)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// clientKey uses the configured header when present (first hop for
// X-Forwarded-For), otherwise the client IP. IP whitelisting only applies to
// keys that did not come from the header.
func clientKey(c *gin.Context, header string) (string, bool) {
	if header != "" {
		if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
			if strings.EqualFold(header, "X-Forwarded-For") {
				v = strings.TrimSpace(strings.Split(v, ",")[0])
			}
			return v, true
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip, false
	}
	return "unknown", false
}
