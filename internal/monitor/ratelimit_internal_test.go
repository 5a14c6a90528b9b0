package monitor

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterExhaustsAndRefills(t *testing.T) {
	rl := NewRateLimiter(60, nil)
	for i := 0; i < 60; i++ {
		if !rl.Allow("192.0.2.1") {
			t.Fatalf("request %d rejected", i)
		}
	}
	if rl.Allow("192.0.2.1") {
		t.Fatal("expected bucket to be empty")
	}
	if !rl.Allow("192.0.2.2") {
		t.Fatal("other clients must have their own bucket")
	}

	rl.ipMu.Lock()
	rl.ipLimits["192.0.2.1"].lastRefill = time.Now().Add(-2 * time.Second)
	rl.ipMu.Unlock()
	if !rl.Allow("192.0.2.1") {
		t.Fatal("expected refill after two seconds at 60/min")
	}
}

func TestRateLimiterCleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(1000, nil)
	rl.SetCleanupPolicy(10*time.Millisecond, 20*time.Millisecond)

	ip := "127.0.0.1"
	if !rl.Allow(ip) {
		t.Fatalf("expected allow on first request")
	}

	rl.ipMu.Lock()
	rl.ipLimits[ip].lastRefill = time.Now().Add(-time.Minute)
	rl.lastCleanup = time.Now().Add(-time.Minute)
	rl.ipMu.Unlock()

	rl.Allow("127.0.0.2")

	rl.ipMu.Lock()
	_, exists := rl.ipLimits[ip]
	rl.ipMu.Unlock()
	if exists {
		t.Fatalf("expected stale ip limit to be cleaned up")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, nil)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "198.51.100.7:4000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("second status = %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestClientIPResolverTrustedProxy(t *testing.T) {
	resolver := NewClientIPResolver(true, []string{"127.0.0.0/8"})
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.10, 10.0.0.1")

	if ip := resolver.FromRequest(req); ip != "10.0.0.1" {
		t.Fatalf("client ip = %s, want 10.0.0.1", ip)
	}

	resolver = NewClientIPResolver(true, []string{"127.0.0.0/8", "10.0.0.0/8"})
	if ip := resolver.FromRequest(req); ip != "203.0.113.10" {
		t.Fatalf("client ip = %s, want 203.0.113.10", ip)
	}
}

func TestClientIPResolverUntrustedProxy(t *testing.T) {
	resolver := NewClientIPResolver(true, []string{"10.0.0.0/8"})
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.10")

	if ip := resolver.FromRequest(req); ip != "127.0.0.1" {
		t.Fatalf("client ip = %s, want 127.0.0.1", ip)
	}
}

func TestClientIPResolverFallbackToRealIP(t *testing.T) {
	resolver := NewClientIPResolver(true, []string{"127.0.0.0/8"})
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Real-IP", "198.51.100.5")

	if ip := resolver.FromRequest(req); ip != "198.51.100.5" {
		t.Fatalf("client ip = %s, want 198.51.100.5", ip)
	}
}

func TestClientIPResolverIgnoresHeadersByDefault(t *testing.T) {
	resolver := NewClientIPResolver(false, []string{"127.0.0.0/8"})
	req := httptest.NewRequest("GET", "http://example.com", nil)
	req.RemoteAddr = "[::1]:1234"
	req.Header.Set("X-Real-IP", "198.51.100.5")

	if ip := resolver.FromRequest(req); ip != "::1" {
		t.Fatalf("client ip = %s, want ::1", ip)
	}
}
