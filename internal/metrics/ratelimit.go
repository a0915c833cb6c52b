package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// rateLimitStats holds counters for rate limit drops (HTTP 429).
// Kept simple/thread-safe for use from middlewares and exposition.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}

// rateLimitCollector exposes the package counters to a Prometheus registry.
type rateLimitCollector struct {
	desc *prometheus.Desc
}

func newRateLimitCollector() *rateLimitCollector {
	return &rateLimitCollector{
		desc: prometheus.NewDesc(
			"planboard_rate_limit_drops_total",
			"Requests rejected by the rate limiter, by path prefix.",
			[]string{"prefix"}, nil,
		),
	}
}

func (c *rateLimitCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *rateLimitCollector) Collect(ch chan<- prometheus.Metric) {
	_, by := RateLimitSnapshot()
	for prefix, n := range by {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(n), prefix)
	}
}
