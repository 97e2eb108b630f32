package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var httpRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "fremen_http_rate_limited_total",
	Help: "Requests rejected by the per-client rate limiter.",
})

func init() {
	prometheus.MustRegister(httpRateLimited)
}

const (
	maxTrackedClients = 10000
	clientIdleTTL     = 10 * time.Minute
)

// RateLimitMiddleware gives every client IP its own token bucket of rps
// with the given burst. Rejected requests get a 429 problem and a
// Retry-After hint. Paths in exempt bypass the limiter; rps <= 0 turns it off.
func RateLimitMiddleware(rps float64, burst int, exempt []string) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiters := newClientLimiters(rate.Limit(rps), burst)
	skip := pathSet(exempt)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !skip[r.URL.Path] {
				if wait, ok := limiters.allow(clientIP(r)); !ok {
					httpRateLimited.Inc()
					w.Header().Set("Retry-After", retryAfter(wait))
					RateLimited(w, "rate limit exceeded", r.URL.Path)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfter(wait time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(wait.Seconds()))))
}

type clientLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one limiter per client. Idle clients are evicted
// once the table reaches maxTrackedClients.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// allow takes a token for key. When none is available it returns how long
// the caller should wait; the reservation is cancelled so a rejected
// request costs nothing.
func (c *clientLimiters) allow(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cl, ok := c.clients[key]
	if !ok {
		if len(c.clients) >= maxTrackedClients {
			c.evictIdle(now)
		}
		cl = &clientLimiter{Limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = cl
	}
	cl.lastSeen = now

	res := cl.ReserveN(now, 1)
	if !res.OK() {
		return time.Second, false
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d, false
	}
	return 0, true
}

// evictIdle drops clients idle for clientIdleTTL. Caller holds c.mu.
func (c *clientLimiters) evictIdle(now time.Time) {
	cutoff := now.Add(-clientIdleTTL)
	for key, cl := range c.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(c.clients, key)
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
