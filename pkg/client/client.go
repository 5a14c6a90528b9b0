// Package client provides a Go SDK for running losstest packet-loss tests
// programmatically. Agents and applications can import this package instead
// of shelling out to the CLI.
//
// Usage:
//
//	c := client.New("echo.example.com", 5000, client.WithProtocol("tcp"))
//	result, err := c.Check(ctx)
//	report, err := c.Run(ctx, client.RunOptions{Count: 500})
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/saveenergy/losstest/internal/probe"
	"github.com/saveenergy/losstest/pkg/diagnostic"
	"github.com/saveenergy/losstest/pkg/types"
)

const (
	checkPackets     = 20
	checkMessageSize = 64
	checkTimeout     = 500 * time.Millisecond
)

// Client runs loss tests against a single echo server.
type Client struct {
	host     string
	port     int
	protocol types.Protocol
	proxy    *probe.ProxyConfig
	timeout  time.Duration
	size     int
}

// Option configures the Client.
type Option func(*Client)

// WithProtocol selects "tcp" or "udp" (default "udp").
func WithProtocol(protocol string) Option {
	return func(c *Client) { c.protocol = types.Protocol(protocol) }
}

// WithProxy routes every test through a SOCKS5 proxy. Empty credentials
// select the no-authentication method.
func WithProxy(host string, port int, username, password string) Option {
	return func(c *Client) {
		c.proxy = &probe.ProxyConfig{Host: host, Port: port, Username: username, Password: password}
	}
}

// WithTimeout sets the per-packet reply timeout used by Run.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMessageSize sets the packet size used by Run.
func WithMessageSize(n int) Option {
	return func(c *Client) { c.size = n }
}

// New creates a client targeting the echo server at host:port.
func New(host string, port int, opts ...Option) *Client {
	c := &Client{
		host:     host,
		port:     port,
		protocol: types.ProtocolUDP,
		timeout:  probe.DefaultTimeout,
		size:     probe.DefaultMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOptions configures a full test. Exactly one of Count and Duration must
// be set.
type RunOptions struct {
	Count    int
	Duration time.Duration
	Window   int
	Interval time.Duration
	// Progress, when set, receives interim statistics about once a second.
	Progress func(types.Summary)
}

// RunResult is a finished test with its interpretation.
type RunResult struct {
	Report         *types.Report              `json:"report"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
}

// Run executes a full loss test. The returned result is non-nil whenever the
// configuration was valid, even if the run failed part way.
func (c *Client) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	cfg := c.config()
	cfg.Count = opts.Count
	cfg.Runtime = opts.Duration
	if opts.Window > 0 {
		cfg.Window = opts.Window
	}
	cfg.Interval = opts.Interval

	var driverOpts []probe.Option
	if opts.Progress != nil {
		driverOpts = append(driverOpts, probe.WithObserver(probe.ObserverFunc(opts.Progress)))
	} else {
		cfg.ProgressInterval = 0
	}

	d, err := probe.NewDriver(cfg, driverOpts...)
	if err != nil {
		return nil, err
	}
	report, err := probe.Execute(ctx, d)
	return &RunResult{
		Report:         report,
		Interpretation: diagnostic.Interpret(diagnostic.FromSummary(report.Summary)),
	}, err
}

// CheckResult is the output of a quick check.
type CheckResult struct {
	Status         string                     `json:"status"`
	Target         string                     `json:"target"`
	Protocol       types.Protocol             `json:"protocol"`
	Sent           int64                      `json:"sent"`
	Received       int64                      `json:"received"`
	LossPercent    float64                    `json:"loss_percent"`
	LatencyMs      float64                    `json:"latency_ms"`
	JitterMs       float64                    `json:"jitter_ms"`
	DurationMs     int64                      `json:"duration_ms"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
}

// Check sends a short burst of small packets and grades the path. It takes
// well under a second on a healthy path and at most ~10 seconds on a dead one.
func (c *Client) Check(ctx context.Context) (*CheckResult, error) {
	cfg := c.config()
	cfg.Count = checkPackets
	cfg.MessageSize = checkMessageSize
	cfg.Timeout = checkTimeout
	cfg.ProgressInterval = 0

	d, err := probe.NewDriver(cfg)
	if err != nil {
		return nil, err
	}
	res, err := d.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("quick check %s: %w", cfg.Target(), err)
	}

	s := res.Summary
	return &CheckResult{
		Status:         "ok",
		Target:         cfg.Target(),
		Protocol:       cfg.Protocol,
		Sent:           s.Sent,
		Received:       s.Received,
		LossPercent:    s.LossPercent,
		LatencyMs:      s.RTT.AvgMs,
		JitterMs:       s.RTT.JitterMs,
		DurationMs:     res.Duration().Milliseconds(),
		Interpretation: diagnostic.Interpret(diagnostic.FromSummary(s)),
	}, nil
}

func (c *Client) config() probe.Config {
	cfg := probe.DefaultConfig()
	cfg.Host = c.host
	cfg.Port = c.port
	cfg.Protocol = c.protocol
	cfg.Timeout = c.timeout
	cfg.MessageSize = c.size
	cfg.Proxy = c.proxy
	return cfg
}
