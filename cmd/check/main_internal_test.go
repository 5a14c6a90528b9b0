package check

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/saveenergy/losstest/pkg/diagnostic"
	"github.com/saveenergy/losstest/pkg/errors"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port int
		ok   bool
	}{
		{"example.com", "example.com", 5000, true},
		{"example.com:6000", "example.com", 6000, true},
		{"[::1]:7000", "::1", 7000, true},
		{"::1", "::1", 5000, true},
		{"example.com:99999", "", 0, false},
		{"udp://example.com", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		host, port, ok := parseTarget(tt.in, 5000)
		if ok != tt.ok || host != tt.host || port != tt.port {
			t.Errorf("parseTarget(%q) = %q, %d, %v; want %q, %d, %v", tt.in, host, port, ok, tt.host, tt.port, tt.ok)
		}
	}
}

func TestCheckRejectsInvalidTarget(t *testing.T) {
	if code := Run([]string{"example.com:99999"}, "test"); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	if code := Run([]string{"--protocol", "icmp"}, "test"); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
}

func captureStdout(t *testing.T, fn func() int) (int, *os.File) {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	code := fn()
	_ = w.Close()
	os.Stdout = oldStdout
	return code, r
}

func TestCheckJSONOutput(t *testing.T) {
	origRunCheck := runCheckFn
	defer func() { runCheckFn = origRunCheck }()

	var got checkOptions
	runCheckFn = func(_ context.Context, opts checkOptions) (*CheckResult, error) {
		got = opts
		return &CheckResult{
			SchemaVersion: "1.0",
			Status:        "ok",
			Target:        "example.com:6000",
			Protocol:      opts.Protocol,
			Sent:          20,
			Received:      20,
			DurationMs:    1234,
			Interpretation: &diagnostic.Interpretation{
				Grade:   "A",
				Summary: "ok",
			},
		}, nil
	}

	code, r := captureStdout(t, func() int {
		return Run([]string{"--json", "--protocol", "tcp", "example.com:6000"}, "test")
	})
	if code != exitSuccess {
		t.Fatalf("exit code = %d, want %d", code, exitSuccess)
	}
	if got.Host != "example.com" || got.Port != 6000 || got.Protocol != "tcp" {
		t.Fatalf("options = %+v", got)
	}

	var out CheckResult
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.DurationMs != 1234 || out.Sent != 20 {
		t.Fatalf("output = %+v", out)
	}
}

func TestCheckDegradedGradeExitsNonZero(t *testing.T) {
	origRunCheck := runCheckFn
	defer func() { runCheckFn = origRunCheck }()

	runCheckFn = func(context.Context, checkOptions) (*CheckResult, error) {
		return &CheckResult{Interpretation: &diagnostic.Interpretation{Grade: "F"}}, nil
	}
	code, _ := captureStdout(t, func() int { return Run(nil, "test") })
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}
}

func TestCheckJSONErrorCarriesCode(t *testing.T) {
	origRunCheck := runCheckFn
	defer func() { runCheckFn = origRunCheck }()

	runCheckFn = func(context.Context, checkOptions) (*CheckResult, error) {
		return nil, errors.ErrProxyAuthFailed(1)
	}
	code, r := captureStdout(t, func() int { return Run([]string{"--json"}, "test") })
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["code"] != errors.ErrCodeProxyAuthFailed {
		t.Fatalf("code = %v", out["code"])
	}
}
