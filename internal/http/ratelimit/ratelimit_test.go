package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func request(remote, xff string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/google-calendar/webhook", nil)
	r.RemoteAddr = remote
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	return r
}

func TestMiddlewareLimitsPerClient(t *testing.T) {
	l := New(rate.Limit(1), 2, time.Minute, nil)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	h := l.Middleware()(okHandler())

	codes := func(remote string, n int) []int {
		var out []int
		for i := 0; i < n; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, request(remote, ""))
			out = append(out, rec.Code)
		}
		return out
	}
	assert.Equal(t, []int{200, 200, 429}, codes("10.0.0.1:1234", 3))
	assert.Equal(t, []int{200}, codes("10.0.0.2:1234", 1))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("10.0.0.1:1234", ""))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	now = now.Add(time.Second)
	assert.Equal(t, []int{200}, codes("10.0.0.1:1234", 1))
}

func TestClientAddr(t *testing.T) {
	// Without trusted proxies forwarded headers are ignored.
	open := New(rate.Limit(1), 1, time.Minute, nil)
	assert.Equal(t, "10.0.0.1", open.clientAddr(request("10.0.0.1:80", "203.0.113.9, 10.0.0.1")).String())
	r := request("10.0.0.1:80", "")
	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "10.0.0.1", open.clientAddr(r).String())

	guarded := New(rate.Limit(1), 1, time.Minute, []string{"10.0.0.0/8", "192.0.2.1", "not-an-ip"})
	require.Len(t, guarded.proxies, 2)
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"single hop", "10.1.2.3:80", "203.0.113.9", "203.0.113.9"},
		{"bare address proxy", "192.0.2.1:80", "203.0.113.9", "203.0.113.9"},
		{"spoofed left entry", "10.1.2.3:80", "198.51.100.50, 203.0.113.9", "203.0.113.9"},
		{"chained proxies", "10.1.2.3:80", "203.0.113.9, 10.0.0.7", "203.0.113.9"},
		{"garbage hop", "10.1.2.3:80", "garbage", "10.1.2.3"},
		{"untrusted peer", "198.51.100.1:80", "203.0.113.9", "198.51.100.1"},
		{"ipv6 peer", "[2001:db8::1]:443", "", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guarded.clientAddr(request(tt.remote, tt.xff)).String())
		})
	}

	r = request("10.1.2.3:80", "")
	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", guarded.clientAddr(r).String())
}

func TestRotatingForwardedForSharesBucket(t *testing.T) {
	l := New(rate.Limit(1), 1, time.Minute, nil)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	h := l.Middleware()(okHandler())

	var codes []int
	for _, xff := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request("198.51.100.1:1234", xff))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 429, 429}, codes)
}

func TestSweepForgetsIdleClients(t *testing.T) {
	l := New(rate.Limit(1), 1, time.Minute, nil)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.reserve(netip.MustParseAddr("10.0.0.1"))
	now = now.Add(30 * time.Second)
	l.reserve(netip.MustParseAddr("10.0.0.2"))
	now = now.Add(45 * time.Second)
	l.sweep()

	assert.Len(t, l.clients, 1)
	assert.Contains(t, l.clients, netip.MustParseAddr("10.0.0.2"))
}
