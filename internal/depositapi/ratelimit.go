package depositapi

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// clientKey identifies the caller for rate limiting. Forwarding headers are honoured only when
// trustProxy is set.
func clientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	return r.RemoteAddr
}

type bucket struct {
	tokens float64
	last   time.Time
}

// ipRateLimiter is a token bucket per client. When full, the least recently seen client is
// evicted.
type ipRateLimiter struct {
	mu sync.Mutex

	rate    float64
	burst   float64
	max     int
	buckets map[string]*bucket
}

func newIPRateLimiter(rate, burst float64, max int) *ipRateLimiter {
	return &ipRateLimiter{rate: rate, burst: burst, max: max, buckets: make(map[string]*bucket)}
}

func (l *ipRateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.max {
			l.evictOldest()
		}
		l.buckets[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	if dt := now.Sub(b.last).Seconds(); dt > 0 {
		b.tokens = min(l.burst, b.tokens+dt*l.rate)
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *ipRateLimiter) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for k, b := range l.buckets {
		if oldest == "" || b.last.Before(at) {
			oldest, at = k, b.last
		}
	}
	delete(l.buckets, oldest)
}
