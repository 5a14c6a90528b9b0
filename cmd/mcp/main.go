// Package mcp implements the `losstest mcp` subcommand: an MCP (Model Context
// Protocol) server over stdio transport. Agents can spawn this process and
// run loss tests directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saveenergy/losstest/internal/results"
	"github.com/saveenergy/losstest/pkg/client"
)

const (
	defaultHost      = "localhost"
	defaultPort      = 5000
	maxToolCount     = 10000
	maxToolRuntime   = 60
	defaultListLimit = 10
)

// Run starts the MCP stdio server. Blocks until stdin closes or signal received.
func Run(version string) int {
	s := server.NewMCPServer(
		"losstest",
		version,
		server.WithToolCapabilities(true),
	)

	tools := ToolDefinitions()
	handlers := map[string]server.ToolHandlerFunc{
		"loss_test":   handleLossTest,
		"quick_check": handleQuickCheck,
		"recent_runs": handleRecentRuns,
	}
	for _, tool := range tools {
		s.AddTool(tool, handlers[tool.Name])
	}

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "losstest mcp: error: %v\n", err)
		return 1
	}
	return 0
}

func targetOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("host",
			mcp.Description("Echo server host (default: localhost)"),
		),
		mcp.WithNumber("port",
			mcp.Description("Echo server port (default: 5000)"),
		),
		mcp.WithString("protocol",
			mcp.Description("tcp or udp (default: udp)"),
		),
		mcp.WithString("proxy",
			mcp.Description("Optional SOCKS5 proxy as host:port"),
		),
		mcp.WithString("proxy_username",
			mcp.Description("Optional SOCKS5 username"),
		),
		mcp.WithString("proxy_password",
			mcp.Description("Optional SOCKS5 password"),
		),
	}
}

// ToolDefinitions lists the tools served over MCP.
func ToolDefinitions() []mcp.Tool {
	lossOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Full packet-loss test against a losstest echo server. Sends sequenced packets, waits for each echo, and returns sent/received/lost counts, loss percentage, RTT statistics, and a graded interpretation."),
		mcp.WithNumber("count",
			mcp.Description("Number of packets, 1-10000 (default: 100). Ignored when duration is set."),
		),
		mcp.WithNumber("duration",
			mcp.Description("Run for this many seconds instead of a fixed count, 1-60"),
		),
		mcp.WithNumber("size",
			mcp.Description("Packet size in bytes (default: 1024)"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Per-packet reply timeout in milliseconds (default: 1000)"),
		),
	}, targetOptions()...)

	checkOpts := append([]mcp.ToolOption{
		mcp.WithDescription("Quick check: 20 small packets, returns loss, latency, jitter and a grade (A-F). Use this for fast 'is the path OK?' checks."),
	}, targetOptions()...)

	return []mcp.Tool{
		mcp.NewTool("loss_test", lossOpts...),
		mcp.NewTool("quick_check", checkOpts...),
		mcp.NewTool("recent_runs",
			mcp.WithDescription("Lists recently saved runs from the local history database, newest first."),
			mcp.WithNumber("limit",
				mcp.Description("Maximum runs to return, 1-100 (default: 10)"),
			),
		),
	}
}

// clientFromRequest builds an SDK client from the common target arguments.
func clientFromRequest(req mcp.CallToolRequest, extra ...client.Option) (*client.Client, error) {
	host := strings.TrimSpace(req.GetString("host", defaultHost))
	if host == "" {
		host = defaultHost
	}
	port := req.GetInt("port", defaultPort)
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	protocol := req.GetString("protocol", "udp")
	if protocol != "tcp" && protocol != "udp" {
		return nil, fmt.Errorf("invalid protocol %q (must be tcp or udp)", protocol)
	}

	opts := []client.Option{client.WithProtocol(protocol)}
	if proxy := strings.TrimSpace(req.GetString("proxy", "")); proxy != "" {
		phost, pport, err := splitProxy(proxy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithProxy(phost, pport,
			req.GetString("proxy_username", ""), req.GetString("proxy_password", "")))
	}
	opts = append(opts, extra...)
	return client.New(host, port, opts...), nil
}

func splitProxy(value string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(value)
	if err != nil || host == "" {
		return "", 0, fmt.Errorf("invalid proxy %q (want host:port)", value)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid proxy port in %q", value)
	}
	return host, port, nil
}

// --- Tool Handlers ---

func handleLossTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var extra []client.Option
	if size := req.GetInt("size", 0); size > 0 {
		extra = append(extra, client.WithMessageSize(size))
	}
	if ms := req.GetInt("timeout_ms", 0); ms > 0 {
		extra = append(extra, client.WithTimeout(time.Duration(ms)*time.Millisecond))
	}
	c, err := clientFromRequest(req, extra...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := client.RunOptions{Interval: time.Millisecond}
	var budget time.Duration
	if d := req.GetInt("duration", 0); d > 0 {
		if d > maxToolRuntime {
			d = maxToolRuntime
		}
		opts.Duration = time.Duration(d) * time.Second
		budget = opts.Duration + 15*time.Second
	} else {
		count := req.GetInt("count", 100)
		if count < 1 {
			count = 1
		}
		if count > maxToolCount {
			count = maxToolCount
		}
		opts.Count = count
		budget = 2 * time.Minute
	}

	testCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	result, err := c.Run(testCtx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Loss test failed: %v", err)), nil
	}
	return jsonResult(result)
}

func handleQuickCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := clientFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	result, err := c.Check(checkCtx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Quick check failed: %v", err)), nil
	}
	return jsonResult(result)
}

var openStore = func() (*results.Store, error) {
	return results.Open(results.DefaultDataDir(), results.DefaultMaxResults)
}

func handleRecentRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultListLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	store, err := openStore()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Open history: %v", err)), nil
	}
	defer store.Close()

	entries, err := store.List(limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("List history: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"runs": entries})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
