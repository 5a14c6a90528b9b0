// Command loadtest drives an echo server with many concurrent loss tests, or
// holds many subscribers on its monitor feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/internal/probe"
	"github.com/saveenergy/losstest/pkg/types"
)

type config struct {
	mode        string
	host        string
	port        int
	duration    time.Duration
	concurrency int
	messageSize int
	window      int
	interval    time.Duration
	wsURL       string
}

// totals accumulates worker results.
type totals struct {
	sent     atomic.Int64
	received atomic.Int64
	lost     atomic.Int64
	messages atomic.Int64
	failures atomic.Int64
	rttSumUs atomic.Int64
	rttCount atomic.Int64
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "loadtest: %v\n", err)
		return 1
	}
	logging.Init(logging.LevelWarn)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	var t totals
	var wg sync.WaitGroup
	wg.Add(cfg.concurrency)
	for i := 0; i < cfg.concurrency; i++ {
		go func(worker int) {
			defer wg.Done()
			var err error
			switch cfg.mode {
			case "udp", "tcp":
				err = runProbe(ctx, cfg, &t)
			case "ws":
				err = runWebSocket(ctx, cfg, &t)
			}
			if err != nil {
				t.failures.Add(1)
				logging.Warn("worker failed",
					logging.Field{Key: "worker", Value: worker},
					logging.Field{Key: "error", Value: err})
			}
		}(i)
	}
	wg.Wait()

	seconds := cfg.duration.Seconds()
	if cfg.mode == "ws" {
		fmt.Fprintf(stdout, "mode=ws concurrency=%d duration=%s messages=%d failures=%d\n",
			cfg.concurrency, cfg.duration, t.messages.Load(), t.failures.Load())
		return exitCode(&t)
	}

	sent := t.sent.Load()
	lossPercent := 0.0
	if sent > 0 {
		lossPercent = float64(t.lost.Load()) * 100 / float64(sent)
	}
	avgRTT := 0.0
	if n := t.rttCount.Load(); n > 0 {
		avgRTT = float64(t.rttSumUs.Load()) / float64(n) / 1000
	}
	fmt.Fprintf(stdout, "mode=%s concurrency=%d duration=%s sent=%d received=%d lost=%d loss_percent=%.2f avg_rtt_ms=%.3f packets_per_second=%.1f failures=%d\n",
		cfg.mode, cfg.concurrency, cfg.duration,
		sent, t.received.Load(), t.lost.Load(), lossPercent, avgRTT,
		float64(sent)/seconds, t.failures.Load())
	return exitCode(&t)
}

func exitCode(t *totals) int {
	if t.failures.Load() > 0 {
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.mode, "mode", "udp", "Mode: udp, tcp, ws")
	fs.StringVar(&cfg.host, "host", "127.0.0.1", "Echo server host")
	fs.IntVar(&cfg.port, "port", probe.DefaultPort, "Echo server port")
	fs.DurationVar(&cfg.duration, "duration", 10*time.Second, "Test duration (e.g. 10s)")
	fs.IntVar(&cfg.concurrency, "concurrency", 1, "Concurrent workers")
	fs.IntVar(&cfg.messageSize, "size", 1024, "Message size in bytes")
	fs.IntVar(&cfg.window, "window", 8, "Packets in flight per worker")
	fs.DurationVar(&cfg.interval, "interval", 0, "Delay between sends per worker")
	fs.StringVar(&cfg.wsURL, "ws-url", "", "Monitor WebSocket URL for ws mode")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg config) error {
	if cfg.concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if cfg.duration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	switch cfg.mode {
	case "udp", "tcp", "ws":
	default:
		return fmt.Errorf("invalid mode: %s", cfg.mode)
	}
	if cfg.mode == "ws" {
		if cfg.wsURL == "" {
			return fmt.Errorf("ws-url required for ws mode")
		}
		return nil
	}
	pc := probeConfig(cfg)
	return pc.Validate()
}

func probeConfig(cfg config) probe.Config {
	pc := probe.DefaultConfig()
	pc.Host = cfg.host
	pc.Port = cfg.port
	pc.Protocol = types.Protocol(cfg.mode)
	pc.MessageSize = cfg.messageSize
	pc.Runtime = cfg.duration
	pc.Window = cfg.window
	pc.Interval = cfg.interval
	pc.ProgressInterval = 0
	return pc
}

// runProbe runs one loss test until ctx ends. The deadline cancelling the run
// is the normal way out, so a cancelled status is not a failure.
func runProbe(ctx context.Context, cfg config, t *totals) error {
	d, err := probe.NewDriver(probeConfig(cfg))
	if err != nil {
		return err
	}
	report, err := probe.Execute(ctx, d)
	s := report.Summary
	t.sent.Add(s.Sent)
	t.received.Add(s.Received)
	t.lost.Add(s.Lost)
	if s.RTT.Count > 0 {
		t.rttSumUs.Add(int64(s.RTT.AvgMs * 1000 * float64(s.RTT.Count)))
		t.rttCount.Add(int64(s.RTT.Count))
	}
	if err != nil && report.Status != types.RunStatusCancelled {
		return err
	}
	return nil
}

func runWebSocket(ctx context.Context, cfg config, t *totals) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		t.messages.Add(1)
	}
}
