// Package server implements the `losstest server` subcommand: the TCP/UDP
// echo server with its optional monitor and pprof endpoints.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/saveenergy/losstest/internal/config"
	"github.com/saveenergy/losstest/internal/echo"
	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/internal/monitor"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

type serverFlagValues struct {
	host           string
	port           int
	protocol       string
	size           int
	timeout        float64
	monitor        bool
	monitorAddress string
	allowedOrigins string
	rateLimit      int
	dropRate       float64
	delay          time.Duration
}

func buildServerFlagSet(cfg *config.Config) (*flag.FlagSet, *serverFlagValues) {
	fv := &serverFlagValues{}
	fs := flag.NewFlagSet("losstest server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	fs.StringVar(&fv.host, "host", cfg.BindAddress, "Address to bind")
	fs.IntVar(&fv.port, "port", cfg.Port, "Port for TCP and UDP (0 picks one)")
	fs.StringVar(&fv.protocol, "protocol", cfg.Protocol, "Protocol: tcp, udp or both")
	fs.IntVar(&fv.size, "size", cfg.MessageSize, "Expected message size in bytes (TCP framing)")
	fs.Float64Var(&fv.timeout, "timeout", cfg.ReadTimeout.Seconds(), "Socket read timeout in seconds")
	fs.BoolVar(&fv.monitor, "monitor", cfg.MonitorEnabled, "Serve /health, /stats and /ws")
	fs.StringVar(&fv.monitorAddress, "monitor-address", cfg.MonitorAddress, "Monitor listen address")
	fs.StringVar(&fv.allowedOrigins, "allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "Comma-separated WebSocket origins")
	fs.IntVar(&fv.rateLimit, "monitor-rate-limit", cfg.MonitorRateLimit, "Monitor requests per minute per client (0 disables)")
	fs.Float64Var(&fv.dropRate, "impair-drop-rate", cfg.ImpairDropRate, "Drop this fraction of replies (0-1), for testing")
	fs.DurationVar(&fv.delay, "impair-delay", cfg.ImpairDelay, "Delay every reply, for testing")
	return fs, fv
}

// applyServerFlagOverrides copies explicitly set flags over the env config.
func applyServerFlagOverrides(cfg *config.Config, fs *flag.FlagSet, fv *serverFlagValues) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.BindAddress = fv.host
		case "port":
			cfg.Port = fv.port
		case "protocol":
			cfg.Protocol = strings.ToLower(strings.TrimSpace(fv.protocol))
		case "size":
			cfg.MessageSize = fv.size
		case "timeout":
			cfg.ReadTimeout = time.Duration(fv.timeout * float64(time.Second))
		case "monitor":
			cfg.MonitorEnabled = fv.monitor
		case "monitor-address":
			cfg.MonitorAddress = fv.monitorAddress
		case "allowed-origins":
			cfg.AllowedOrigins = splitList(fv.allowedOrigins)
		case "monitor-rate-limit":
			cfg.MonitorRateLimit = fv.rateLimit
		case "impair-drop-rate":
			cfg.ImpairDropRate = fv.dropRate
		case "impair-delay":
			cfg.ImpairDelay = fv.delay
		}
	})
	if len(fs.Args()) > 0 {
		err = fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return err
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Run starts the echo server and blocks until SIGINT or SIGTERM.
func Run(args []string, version string) int {
	logLevel := logging.LevelInfo
	if lvl, ok := logging.ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		logLevel = lvl
	}
	logging.Init(logLevel)

	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		logging.Error("Failed to load config", logging.Field{Key: "error", Value: err})
		fmt.Fprintf(os.Stderr, "losstest server: %v\n", err)
		return exitUsage
	}

	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		return exitUsage
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		fmt.Fprintf(os.Stderr, "losstest server: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		logging.Error("Invalid configuration", logging.Field{Key: "error", Value: err})
		fmt.Fprintf(os.Stderr, "losstest server: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, version, nil); err != nil {
		logging.Error("Server failed", logging.Field{Key: "error", Value: err})
		fmt.Fprintf(os.Stderr, "losstest server: %v\n", err)
		return exitFailure
	}
	return exitSuccess
}

// listening is called once every listener is bound; tests use it to learn
// the ephemeral addresses.
type listening func(srv *echo.Server, monitorAddr net.Addr)

func serve(ctx context.Context, cfg *config.Config, version string, ready listening) error {
	pprofServer := startPprofServer(cfg)
	defer shutdownPprofServer(pprofServer, 5*time.Second)
	startRuntimeStatsLogger(ctx, cfg)

	echoServer, err := echo.NewServer(cfg)
	if err != nil {
		return err
	}
	if err := echoServer.Start(); err != nil {
		return fmt.Errorf("start echo server: %w", err)
	}
	defer echoServer.Close()

	var monitorAddr net.Addr
	var httpServer *http.Server
	var monitorServer *monitor.Server
	serveErr := make(chan error, 1)
	if cfg.MonitorEnabled {
		opts := []monitor.Option{
			monitor.WithAllowedOrigins(cfg.AllowedOrigins),
			monitor.WithPingInterval(cfg.WebSocketPingInterval),
			monitor.WithPushInterval(time.Second),
		}
		if cfg.MonitorRateLimit > 0 {
			resolver := monitor.NewClientIPResolver(cfg.TrustProxyHeaders, cfg.TrustedProxyCIDRs)
			opts = append(opts, monitor.WithRateLimiter(monitor.NewRateLimiter(cfg.MonitorRateLimit, resolver)))
		}
		monitorServer = monitor.NewServer(echoServer, version, opts...)
		defer monitorServer.Close()

		ln, err := net.Listen("tcp", cfg.MonitorAddress)
		if err != nil {
			return fmt.Errorf("listen monitor: %w", err)
		}
		monitorAddr = ln.Addr()
		httpServer = &http.Server{
			Handler:           monitorServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logging.Info("Monitor starting", logging.Field{Key: "address", Value: monitorAddr.String()})
			if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()
	}

	logging.Info("Server starting",
		logging.Field{Key: "version", Value: version},
		logging.Field{Key: "protocol", Value: cfg.Protocol},
		logging.Field{Key: "address", Value: cfg.ListenAddress()})
	if ready != nil {
		ready(echoServer, monitorAddr)
	}

	select {
	case <-ctx.Done():
		logging.Info("Shutting down server...")
	case err := <-serveErr:
		return fmt.Errorf("monitor failed: %w", err)
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if monitorServer != nil {
			monitorServer.Close()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Monitor shutdown error", logging.Field{Key: "error", Value: err})
		}
	}

	logging.Info("Server stopped")
	return nil
}
