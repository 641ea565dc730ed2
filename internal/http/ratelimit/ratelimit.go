// Package ratelimit throttles requests per client address.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	httperrors "gitea.jw6.us/james/calcord/internal/http/errors"
)

const maxClients = 10000

// Limiter keeps a token bucket per client address. Forwarded headers are
// honoured only from trusted proxies; with none configured the peer address
// is used.
type Limiter struct {
	rate    rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	proxies []netip.Prefix

	mu      sync.Mutex
	clients map[netip.Addr]*client
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// New builds a limiter allowing r requests per second with the given burst.
// Clients idle for longer than idle are forgotten.
func New(r rate.Limit, burst int, idle time.Duration, trustedProxies []string) *Limiter {
	return &Limiter{
		rate:    r,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		proxies: parsePrefixes(trustedProxies),
		clients: make(map[netip.Addr]*client),
	}
}

// parsePrefixes accepts CIDRs and bare addresses. Invalid entries are
// skipped; config validation has already reported them.
func parsePrefixes(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// Run forgets idle clients until ctx ends.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for addr, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
}

// reserve takes a token for addr and reports how long to wait when none is
// left.
func (l *Limiter) reserve(addr netip.Addr) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c, ok := l.clients[addr]
	if !ok {
		if len(l.clients) >= maxClients {
			l.evictOldest()
		}
		c = &client{bucket: rate.NewLimiter(l.rate, l.burst)}
		l.clients[addr] = c
	}
	c.lastSeen = now
	if c.bucket.AllowN(now, 1) {
		return true, 0
	}
	wait := time.Second
	if l.rate > 0 {
		wait = time.Duration(float64(time.Second) / float64(l.rate))
	}
	return false, wait
}

func (l *Limiter) evictOldest() {
	var (
		oldest netip.Addr
		seen   time.Time
	)
	for addr, c := range l.clients {
		if !oldest.IsValid() || c.lastSeen.Before(seen) {
			oldest, seen = addr, c.lastSeen
		}
	}
	delete(l.clients, oldest)
}

// Middleware answers 429 with Retry-After once a client runs dry.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := l.reserve(l.clientAddr(r))
			if !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				httperrors.Write(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. Entries left of it are client supplied.
func (l *Limiter) clientAddr(r *http.Request) netip.Addr {
	remote := parseAddr(r.RemoteAddr)
	if !l.trusted(remote) {
		return remote
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if a = a.Unmap(); !l.trusted(a) {
				return a
			}
		}
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return a.Unmap()
	}
	return remote
}

func (l *Limiter) trusted(a netip.Addr) bool {
	for _, p := range l.proxies {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func parseAddr(s string) netip.Addr {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap()
	}
	a, _ := netip.ParseAddr(s)
	return a.Unmap()
}
