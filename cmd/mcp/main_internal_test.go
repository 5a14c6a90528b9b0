package mcp

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/saveenergy/losstest/internal/config"
	"github.com/saveenergy/losstest/internal/echo"
	"github.com/saveenergy/losstest/internal/results"
	"github.com/saveenergy/losstest/pkg/types"
)

func startEcho(t *testing.T) (string, int) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
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
	host, portStr, _ := net.SplitHostPort(srv.UDPAddr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %#v, want text", res.Content[0])
	}
	return text.Text
}

func TestHandleQuickCheck(t *testing.T) {
	host, port := startEcho(t)

	res, err := handleQuickCheck(context.Background(), callRequest(map[string]any{
		"host": host,
		"port": float64(port),
	}))
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	var out struct {
		Sent     int64 `json:"sent"`
		Received int64 `json:"received"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Sent != 20 || out.Received != 20 {
		t.Fatalf("check = %+v", out)
	}
}

func TestHandleLossTestOverTCP(t *testing.T) {
	host, port := startEcho(t)

	res, err := handleLossTest(context.Background(), callRequest(map[string]any{
		"host":     host,
		"port":     float64(port),
		"protocol": "tcp",
		"count":    float64(25),
		"size":     float64(64),
	}))
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	var out struct {
		Report *types.Report `json:"report"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Report == nil || out.Report.Summary.Sent != 25 || out.Report.Config.MessageSize != 64 {
		t.Fatalf("report = %+v", out.Report)
	}
}

func TestClientFromRequestValidates(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		ok   bool
	}{
		{"defaults", map[string]any{}, true},
		{"bad protocol", map[string]any{"protocol": "icmp"}, false},
		{"bad port", map[string]any{"port": float64(70000)}, false},
		{"proxy", map[string]any{"proxy": "127.0.0.1:1080"}, true},
		{"bad proxy", map[string]any{"proxy": "nohost"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := clientFromRequest(callRequest(tt.args))
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestHandleRecentRuns(t *testing.T) {
	dir := t.TempDir()
	orig := openStore
	defer func() { openStore = orig }()
	openStore = func() (*results.Store, error) {
		return results.Open(dir, 100)
	}

	seed, err := results.Open(dir, 100)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := seed.Save(&types.Report{
			Status:    types.RunStatusCompleted,
			Config:    types.RunConfig{Host: "h", Port: 5000, Protocol: types.ProtocolUDP},
			StartTime: now,
			EndTime:   now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}
	seed.Close()

	res, err := handleRecentRuns(context.Background(), callRequest(map[string]any{"limit": float64(2)}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	var out struct {
		Runs []results.Entry `json:"runs"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(out.Runs))
	}
}

func TestToolDefinitionsHaveDescriptions(t *testing.T) {
	tools := ToolDefinitions()
	if len(tools) != 3 {
		t.Fatalf("tools = %d, want 3", len(tools))
	}
	for _, tool := range tools {
		if strings.TrimSpace(tool.Description) == "" {
			t.Fatalf("tool %s missing description", tool.Name)
		}
		if tool.Name == "recent_runs" {
			continue
		}
		if _, ok := tool.InputSchema.Properties["host"]; !ok {
			t.Fatalf("tool %s missing host property", tool.Name)
		}
	}
}
