// Package check implements the `losstest check` subcommand: a quick burst of
// small UDP packets returning grade, summary, and key metrics.
package check

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/saveenergy/losstest/pkg/client"
	"github.com/saveenergy/losstest/pkg/diagnostic"
	"github.com/saveenergy/losstest/pkg/errors"
)

var (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

const (
	defaultPort       = 5000
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 300
)

// CheckResult is the structured output of losstest check.
type CheckResult struct {
	SchemaVersion  string                     `json:"schema_version"`
	Status         string                     `json:"status"`
	Target         string                     `json:"target"`
	Protocol       string                     `json:"protocol"`
	Sent           int64                      `json:"sent"`
	Received       int64                      `json:"received"`
	LossPercent    float64                    `json:"loss_percent"`
	LatencyMs      float64                    `json:"latency_ms"`
	JitterMs       float64                    `json:"jitter_ms"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
	DurationMs     int64                      `json:"duration_ms"`
}

type checkOptions struct {
	Host      string
	Port      int
	Protocol  string
	ProxyHost string
	ProxyPort int
	ProxyUser string
	ProxyPass string
}

var runCheckFn = runCheck

func Run(args []string, version string) int {
	flagSet := flag.NewFlagSet("losstest check", flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)

	var (
		opts    checkOptions
		jsonOut bool
		timeout int
	)
	flagSet.StringVar(&opts.Host, "host", "localhost", "Echo server host")
	flagSet.IntVar(&opts.Port, "port", defaultPort, "Echo server port")
	flagSet.StringVar(&opts.Protocol, "protocol", "udp", "Protocol: tcp or udp")
	flagSet.StringVar(&opts.ProxyHost, "proxy-host", "", "SOCKS5 proxy host")
	flagSet.IntVar(&opts.ProxyPort, "proxy-port", 1080, "SOCKS5 proxy port")
	flagSet.StringVar(&opts.ProxyUser, "proxy-username", "", "SOCKS5 proxy username")
	flagSet.StringVar(&opts.ProxyPass, "proxy-password", "", "SOCKS5 proxy password")
	flagSet.BoolVar(&jsonOut, "json", false, "Output as JSON")
	flagSet.IntVar(&timeout, "timeout", 15, "Overall timeout in seconds")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")

	if err := flagSet.Parse(args); err != nil {
		return exitUsage
	}

	if *help {
		printUsage()
		return exitSuccess
	}

	if timeout < minTimeoutSeconds || timeout > maxTimeoutSeconds {
		fmt.Fprintf(os.Stderr, "losstest check: timeout must be between %d and %d seconds\n", minTimeoutSeconds, maxTimeoutSeconds)
		return exitUsage
	}
	if opts.Protocol != "tcp" && opts.Protocol != "udp" {
		fmt.Fprintf(os.Stderr, "losstest check: invalid protocol %q (must be tcp or udp)\n", opts.Protocol)
		return exitUsage
	}

	// Positional arg = host or host:port
	rest := flagSet.Args()
	if len(rest) > 1 {
		fmt.Fprintln(os.Stderr, "losstest check: too many positional arguments")
		return exitUsage
	}
	if len(rest) > 0 {
		host, port, ok := parseTarget(rest[0], opts.Port)
		if !ok {
			fmt.Fprintf(os.Stderr, "losstest check: invalid target: %q\n", rest[0])
			return exitUsage
		}
		opts.Host, opts.Port = host, port
	}
	if opts.Port < 1 || opts.Port > 65535 {
		fmt.Fprintf(os.Stderr, "losstest check: invalid port %d\n", opts.Port)
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	result, err := runCheckFn(ctx, opts)
	if err != nil {
		if jsonOut {
			code := errors.Code(err)
			if code == "" {
				code = "CHECK_FAILED"
			}
			errResp := map[string]interface{}{
				"schema_version": "1.0",
				"error":          true,
				"code":           code,
				"message":        err.Error(),
			}
			if encErr := json.NewEncoder(os.Stdout).Encode(errResp); encErr != nil {
				fmt.Fprintf(os.Stderr, "losstest check: json encode error: %v\n", encErr)
			}
		} else {
			fmt.Fprintf(os.Stderr, "losstest check: error: %v\n", err)
		}
		return exitFailure
	}

	if jsonOut {
		if encErr := json.NewEncoder(os.Stdout).Encode(result); encErr != nil {
			fmt.Fprintf(os.Stderr, "losstest check: json encode error: %v\n", encErr)
			return exitFailure
		}
	} else {
		printHuman(result)
	}

	// Exit 1 if grade is D or F (degraded)
	if result.Interpretation != nil && (result.Interpretation.Grade == "D" || result.Interpretation.Grade == "F") {
		return exitFailure
	}
	return exitSuccess
}

func runCheck(ctx context.Context, opts checkOptions) (*CheckResult, error) {
	clientOpts := []client.Option{client.WithProtocol(opts.Protocol)}
	if opts.ProxyHost != "" {
		clientOpts = append(clientOpts, client.WithProxy(opts.ProxyHost, opts.ProxyPort, opts.ProxyUser, opts.ProxyPass))
	}
	c := client.New(opts.Host, opts.Port, clientOpts...)
	r, err := c.Check(ctx)
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		SchemaVersion:  "1.0",
		Status:         r.Status,
		Target:         r.Target,
		Protocol:       string(r.Protocol),
		Sent:           r.Sent,
		Received:       r.Received,
		LossPercent:    r.LossPercent,
		LatencyMs:      r.LatencyMs,
		JitterMs:       r.JitterMs,
		Interpretation: r.Interpretation,
		DurationMs:     r.DurationMs,
	}, nil
}

func printHuman(r *CheckResult) {
	if r.Interpretation != nil {
		fmt.Printf("Grade: %s (%s)\n", r.Interpretation.Grade, r.Interpretation.Summary)
	}
	fmt.Printf("  Target:   %s/%s\n", r.Target, r.Protocol)
	fmt.Printf("  Packets:  %d sent, %d received\n", r.Sent, r.Received)
	fmt.Printf("  Loss:     %.1f%%\n", r.LossPercent)
	fmt.Printf("  Latency:  %.1f ms\n", r.LatencyMs)
	fmt.Printf("  Jitter:   %.1f ms\n", r.JitterMs)
	if r.Interpretation != nil && len(r.Interpretation.Concerns) > 0 {
		fmt.Printf("  Concerns: %s\n", strings.Join(r.Interpretation.Concerns, ", "))
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: losstest check [flags] [host[:port]]

Quick packet-loss check: 20 small packets, graded A-F.

Flags:
  -h, --help               Show help
  --host string            Echo server host (default: localhost)
  --port int               Echo server port (default: 5000)
  --protocol string        tcp or udp (default: udp)
  --proxy-host string      Route through a SOCKS5 proxy
  --proxy-port int         SOCKS5 proxy port (default: 1080)
  --proxy-username string  SOCKS5 username
  --proxy-password string  SOCKS5 password
  --json                   Output as JSON
  --timeout int            Overall timeout in seconds (default: 15)

Exit codes:
  0   Healthy (grade A-C)
  1   Degraded (grade D-F) or error

Examples:
  losstest check                         # Quick check against localhost:5000
  losstest check echo.example.com:5000   # Quick check against remote
  losstest check --json                  # JSON output for agents
`)
}

// parseTarget accepts "host", "host:port" and "[v6]:port".
func parseTarget(raw string, defaultPort int) (string, int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") {
		return "", 0, false
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		// Bare host, possibly an unbracketed IPv6 literal.
		if strings.ContainsAny(raw, "[]") {
			return "", 0, false
		}
		return raw, defaultPort, true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || host == "" {
		return "", 0, false
	}
	return host, port, true
}
