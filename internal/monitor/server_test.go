package monitor_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/losstest/internal/monitor"
	"github.com/saveenergy/losstest/pkg/types"
)

type countingSource struct {
	calls atomic.Int64
}

func (c *countingSource) Stats() types.ServerStats {
	n := c.calls.Add(1)
	return types.ServerStats{Protocols: []string{"udp"}, PacketsReceived: n, PacketsEchoed: n}
}

func newMonitor(t *testing.T, opts ...monitor.Option) (*monitor.Server, *httptest.Server) {
	t.Helper()
	m := monitor.NewServer(&countingSource{}, "1.2.3", opts...)
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(func() {
		ts.Close()
		m.Close()
	})
	return m, ts
}

func TestHealth(t *testing.T) {
	_, ts := newMonitor(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatsSnapshot(t *testing.T) {
	_, ts := newMonitor(t)

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var stats types.ServerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.PacketsReceived < 1 || len(stats.Protocols) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestStatsRejectsPost(t *testing.T) {
	_, ts := newMonitor(t)

	resp, err := http.Post(ts.URL+"/stats", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestStreamPushesStats(t *testing.T) {
	m, ts := newMonitor(t, monitor.WithPushInterval(20*time.Millisecond))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg struct {
		Type  string             `json:"type"`
		Stats *types.ServerStats `json:"stats"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if msg.Type != "connected" || msg.Stats == nil {
		t.Fatalf("first message = %+v", msg)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read stats: %v", err)
	}
	if msg.Type != "stats" || msg.Stats == nil {
		t.Fatalf("pushed message = %+v", msg)
	}
	if m.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", m.ClientCount())
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	_, ts := newMonitor(t, monitor.WithAllowedOrigins([]string{"https://dash.example.com"}))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", resp)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := monitor.NewServer(&countingSource{}, "dev")
	m.Close()
	m.Close()
}

func TestRateLimitExemptsHealth(t *testing.T) {
	_, ts := newMonitor(t, monitor.WithRateLimiter(monitor.NewRateLimiter(2, nil)))

	status := func(path string) int {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if code := status("/stats"); code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, code)
		}
	}
	if code := status("/stats"); code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", code)
	}
	if code := status("/health"); code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", code)
	}
}
