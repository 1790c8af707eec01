package proxy

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// limiterRegistry hands out one token bucket per client IP (spec.md §4.9:
// "rate limit per client IP"). Entries are never evicted; a long-lived
// daemon process is expected to restart occasionally, and the alternative
// (a TTL sweep) is not worth the complexity for a per-IP map bounded by the
// number of distinct clients that have ever connected.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newLimiterRegistry(rps float64, burst int) *limiterRegistry {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &limiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the connection from addr may proceed.
func (r *limiterRegistry) Allow(addr net.Addr) bool {
	host := hostOf(addr)
	r.mu.Lock()
	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[host] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
