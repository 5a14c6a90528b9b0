package client

import (
	"bytes"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/saveenergy/losstest/internal/config"
	"github.com/saveenergy/losstest/internal/echo"
	"github.com/saveenergy/losstest/internal/results"
	"github.com/saveenergy/losstest/pkg/types"
)

func startEcho(t *testing.T) *echo.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.MessageSize = 64
	cfg.ReadTimeout = 50 * time.Millisecond
	cfg.StatsInterval = 0
	srv, err := echo.NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func hostPort(addr net.Addr) (string, string) {
	host, port, _ := net.SplitHostPort(addr.String())
	return host, port
}

func TestProbeConfigConversion(t *testing.T) {
	cfg := probeConfig(&Config{Host: "h", Port: 1, Protocol: "udp", Messages: 7, Size: 64, Timeout: 0.5, Window: 2, Interval: 2})
	if cfg.Count != 7 || cfg.Runtime != 0 {
		t.Fatalf("count=%d runtime=%v", cfg.Count, cfg.Runtime)
	}
	if cfg.Timeout != 500*time.Millisecond || cfg.Interval != 2*time.Millisecond {
		t.Fatalf("timeout=%v interval=%v", cfg.Timeout, cfg.Interval)
	}
	if cfg.Proxy != nil {
		t.Fatal("unexpected proxy")
	}

	cfg = probeConfig(&Config{Runtime: 1.5, ProxyHost: "p", ProxyPort: 1080, ProxyUsername: "u"})
	if cfg.Count != 0 || cfg.Runtime != 1500*time.Millisecond {
		t.Fatalf("count=%d runtime=%v", cfg.Count, cfg.Runtime)
	}
	if cfg.Proxy == nil || cfg.Proxy.Host != "p" || cfg.Proxy.Username != "u" || cfg.Proxy.Forward == nil {
		t.Fatalf("proxy = %+v", cfg.Proxy)
	}
}

func TestRunJSONAndHistory(t *testing.T) {
	isolateEnv(t)
	srv := startEcho(t)
	host, port := hostPort(srv.UDPAddr())
	dataDir := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"--host", host, "--port", port, "--size", "64", "-n", "20",
		"--interval", "0", "--json", "--save", "--data-dir", dataDir,
	}, "test", &stdout, &stderr)
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr: %s", code, stderr.String())
	}

	var doc struct {
		ID      string        `json:"id"`
		Status  string        `json:"status"`
		Summary types.Summary `json:"summary"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, stdout.String())
	}
	if doc.Status != string(types.RunStatusCompleted) || doc.Summary.Sent != 20 || doc.Summary.Received != 20 {
		t.Fatalf("report = %+v", doc)
	}

	store, err := results.Open(dataDir, results.DefaultMaxResults)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := store.Get(doc.ID)
	store.Close()
	if err != nil || entry == nil {
		t.Fatalf("saved run %s not found: %v", doc.ID, err)
	}

	stdout.Reset()
	if code := runHistory([]string{"--data-dir", dataDir}, &stdout, &stderr); code != exitSuccess {
		t.Fatalf("history exit = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), doc.ID) {
		t.Fatalf("history listing missing %s:\n%s", doc.ID, stdout.String())
	}

	stdout.Reset()
	if code := runHistory([]string{"--data-dir", dataDir, doc.ID}, &stdout, &stderr); code != exitSuccess {
		t.Fatalf("history show exit = %d", code)
	}
	if !strings.Contains(stdout.String(), "id="+doc.ID) {
		t.Fatalf("history show output:\n%s", stdout.String())
	}

	if code := runHistory([]string{"--data-dir", dataDir, "missing"}, &stdout, &stderr); code != exitFailure {
		t.Fatalf("unknown id exit = %d, want %d", code, exitFailure)
	}
}

func TestRunPlainTCP(t *testing.T) {
	isolateEnv(t)
	srv := startEcho(t)
	host, port := hostPort(srv.TCPAddr())

	var stdout, stderr bytes.Buffer
	code := run([]string{"-p", "tcp", "--size", "64", "-n", "10", "--interval", "0", host + ":" + port},
		"test", &stdout, &stderr)
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "received=10\n") {
		t.Fatalf("plain output:\n%s", stdout.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	isolateEnv(t)
	for _, args := range [][]string{
		{"-p", "sctp"},
		{"-n", "5", "-t", "1"},
		{"--window", "0"},
		{"--host", "127.0.0.1"},
	} {
		var stdout, stderr bytes.Buffer
		if code := run(args, "test", &stdout, &stderr); code != exitUsage {
			t.Errorf("%v: exit = %d, want %d", args, code, exitUsage)
		}
	}
}

func TestRunConnectionFailureJSON(t *testing.T) {
	isolateEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	var stdout, stderr bytes.Buffer
	code := run([]string{"-p", "tcp", "--host", "127.0.0.1", "--port", port, "-n", "1", "--json"},
		"test", &stdout, &stderr)
	if code != exitFailure {
		t.Fatalf("exit = %d, want %d", code, exitFailure)
	}
	var doc struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, stdout.String())
	}
	if doc.Status != string(types.RunStatusFailed) || doc.Error == "" {
		t.Fatalf("report = %+v", doc)
	}
}
