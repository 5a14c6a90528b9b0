package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
	ProtocolBoth = "both"

	// MaxUDPMessageSize is the largest UDP payload over IPv4.
	MaxUDPMessageSize = 65507
	// MaxTCPMessageSize caps per-connection echo buffers.
	MaxTCPMessageSize = 1 << 20
)

// Config holds echo server settings.
type Config struct {
	BindAddress string
	Port        int
	Protocol    string

	MessageSize int
	ReadTimeout time.Duration
	MaxTCPConns int

	StatsInterval time.Duration

	MonitorEnabled        bool
	MonitorAddress        string
	AllowedOrigins        []string
	WebSocketPingInterval time.Duration

	// MonitorRateLimit is requests per minute per client on /stats and /ws.
	// 0 disables limiting.
	MonitorRateLimit  int
	TrustProxyHeaders bool
	TrustedProxyCIDRs []string

	ImpairDropRate float64
	ImpairDelay    time.Duration

	PprofEnabled      bool
	PprofAddress      string
	PerfStatsInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		BindAddress:           "0.0.0.0",
		Port:                  5000,
		Protocol:              ProtocolBoth,
		MessageSize:           1024,
		ReadTimeout:           1 * time.Second,
		MaxTCPConns:           256,
		StatsInterval:         5 * time.Second,
		MonitorEnabled:        false,
		MonitorAddress:        "127.0.0.1:8080",
		AllowedOrigins:        []string{"*"},
		WebSocketPingInterval: 30 * time.Second,
		MonitorRateLimit:      120,
		TrustProxyHeaders:     false,
		TrustedProxyCIDRs:     nil,
		ImpairDropRate:        0,
		ImpairDelay:           0,
		PprofEnabled:          false,
		PprofAddress:          "127.0.0.1:6060",
		PerfStatsInterval:     0,
	}
}

func (c *Config) LoadFromEnv() error {
	if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
		c.BindAddress = addr
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: must be a number", port)
		}
		c.Port = p
	}
	if proto := os.Getenv("PROTOCOL"); proto != "" {
		c.Protocol = strings.ToLower(strings.TrimSpace(proto))
	}
	if size := os.Getenv("MESSAGE_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil || s <= 0 {
			return fmt.Errorf("invalid MESSAGE_SIZE %q: must be a positive integer", size)
		}
		c.MessageSize = s
	}
	if timeout := os.Getenv("READ_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid READ_TIMEOUT %q: must be a positive duration (e.g. 1s)", timeout)
		}
		c.ReadTimeout = d
	}
	if conns := os.Getenv("MAX_TCP_CONNS"); conns != "" {
		m, err := strconv.Atoi(conns)
		if err != nil || m <= 0 {
			return fmt.Errorf("invalid MAX_TCP_CONNS %q: must be a positive integer", conns)
		}
		c.MaxTCPConns = m
	}
	if interval := os.Getenv("STATS_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid STATS_INTERVAL %q: must be a duration (0 disables)", interval)
		}
		c.StatsInterval = d
	}

	if enabled := os.Getenv("MONITOR_ENABLED"); enabled == "true" || enabled == "1" {
		c.MonitorEnabled = true
	}
	if addr := os.Getenv("MONITOR_ADDRESS"); addr != "" {
		c.MonitorAddress = addr
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		entries := strings.Split(origins, ",")
		c.AllowedOrigins = make([]string, 0, len(entries))
		for _, entry := range entries {
			value := strings.TrimSpace(entry)
			if value != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, value)
			}
		}
	}
	if interval := os.Getenv("WEBSOCKET_PING_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid WEBSOCKET_PING_INTERVAL %q: must be a positive duration (e.g. 30s)", interval)
		}
		c.WebSocketPingInterval = d
	}

	if limit := os.Getenv("MONITOR_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l < 0 {
			return fmt.Errorf("invalid MONITOR_RATE_LIMIT %q: must be a non-negative integer", limit)
		}
		c.MonitorRateLimit = l
	}
	if trust := os.Getenv("TRUST_PROXY_HEADERS"); trust == "true" || trust == "1" {
		c.TrustProxyHeaders = true
	}
	if cidrs := os.Getenv("TRUSTED_PROXY_CIDRS"); cidrs != "" {
		c.TrustedProxyCIDRs = nil
		for _, entry := range strings.Split(cidrs, ",") {
			if value := strings.TrimSpace(entry); value != "" {
				c.TrustedProxyCIDRs = append(c.TrustedProxyCIDRs, value)
			}
		}
	}

	if rate := os.Getenv("IMPAIR_DROP_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return fmt.Errorf("invalid IMPAIR_DROP_RATE %q: must be a number between 0 and 1", rate)
		}
		c.ImpairDropRate = r
	}
	if delay := os.Getenv("IMPAIR_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid IMPAIR_DELAY %q: must be a non-negative duration (e.g. 50ms)", delay)
		}
		c.ImpairDelay = d
	}

	if enabled := os.Getenv("PPROF_ENABLED"); enabled == "true" || enabled == "1" {
		c.PprofEnabled = true
	}
	if addr := os.Getenv("PPROF_ADDR"); addr != "" {
		c.PprofAddress = addr
	}
	if interval := os.Getenv("PERF_STATS_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid PERF_STATS_INTERVAL %q: must be a positive duration (e.g. 10s)", interval)
		}
		c.PerfStatsInterval = d
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.BindAddress != "" && net.ParseIP(c.BindAddress) == nil && c.BindAddress != "localhost" {
		return fmt.Errorf("invalid bind address %q", c.BindAddress)
	}
	switch c.Protocol {
	case ProtocolTCP, ProtocolUDP, ProtocolBoth:
	default:
		return fmt.Errorf("invalid protocol %q: must be tcp, udp or both", c.Protocol)
	}
	if c.MessageSize <= 0 {
		return fmt.Errorf("message size must be > 0")
	}
	if c.ServesUDP() && c.MessageSize > MaxUDPMessageSize {
		return fmt.Errorf("message size %d exceeds the UDP maximum of %d", c.MessageSize, MaxUDPMessageSize)
	}
	if c.MessageSize > MaxTCPMessageSize {
		return fmt.Errorf("message size %d exceeds the maximum of %d", c.MessageSize, MaxTCPMessageSize)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be > 0")
	}
	if c.MaxTCPConns <= 0 {
		return fmt.Errorf("max TCP connections must be > 0")
	}
	if c.ImpairDropRate < 0 || c.ImpairDropRate > 1 {
		return fmt.Errorf("impairment drop rate %v must be between 0 and 1", c.ImpairDropRate)
	}
	if c.ImpairDelay < 0 {
		return fmt.Errorf("impairment delay must be >= 0")
	}
	if c.MonitorEnabled && c.MonitorAddress == "" {
		return fmt.Errorf("monitor address cannot be empty when enabled")
	}
	if c.MonitorRateLimit < 0 {
		return fmt.Errorf("monitor rate limit must be >= 0")
	}
	for _, cidr := range c.TrustedProxyCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("invalid trusted proxy CIDR %q", cidr)
		}
	}
	if c.PprofEnabled && c.PprofAddress == "" {
		return fmt.Errorf("pprof address cannot be empty when enabled")
	}
	return nil
}

func (c *Config) ServesTCP() bool {
	return c.Protocol == ProtocolTCP || c.Protocol == ProtocolBoth
}

func (c *Config) ServesUDP() bool {
	return c.Protocol == ProtocolUDP || c.Protocol == ProtocolBoth
}

func (c *Config) Impaired() bool {
	return c.ImpairDropRate > 0 || c.ImpairDelay > 0
}

func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}
