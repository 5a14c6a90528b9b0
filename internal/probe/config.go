package probe

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/saveenergy/losstest/internal/packet"
	"github.com/saveenergy/losstest/internal/socks5"
	"github.com/saveenergy/losstest/pkg/errors"
	"github.com/saveenergy/losstest/pkg/types"
)

const (
	DefaultPort        = 5000
	DefaultMessageSize = 1024
	DefaultTimeout     = 1 * time.Second

	MaxUDPMessageSize = 65507
	MaxTCPMessageSize = 1 << 20

	// MaxTCPInFlightBytes bounds Window*MessageSize for windowed TCP runs.
	// The driver writes the whole window before reading, so the echoes must
	// fit in the socket buffers or the server's writes stall and it drops
	// the connection.
	MaxTCPInFlightBytes = 64 << 10
)

// ProxyConfig names a SOCKS5 proxy. Username and Password are optional.
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// Forward reaches the proxy itself; nil dials it directly.
	Forward proxy.ContextDialer
}

func (p *ProxyConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Config describes one loss-test run. Exactly one of Count and Runtime must
// be set.
type Config struct {
	Host     string
	Port     int
	Protocol types.Protocol

	MessageSize int
	Count       int
	Runtime     time.Duration
	Timeout     time.Duration

	// Window is the number of packets allowed in flight. 1 gives the strict
	// send-then-wait behaviour.
	Window int
	// Interval is the minimum gap between consecutive transmissions.
	Interval time.Duration
	// ProgressInterval throttles Observer callbacks; 0 disables them.
	ProgressInterval time.Duration

	Proxy *ProxyConfig
}

func DefaultConfig() Config {
	return Config{
		Host:             "localhost",
		Port:             DefaultPort,
		Protocol:         types.ProtocolUDP,
		MessageSize:      DefaultMessageSize,
		Timeout:          DefaultTimeout,
		Window:           1,
		ProgressInterval: time.Second,
	}
}

func (c *Config) Target() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.ErrInvalidConfig("host is required", nil)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.ErrInvalidConfig(fmt.Sprintf("port %d must be 1-65535", c.Port), nil)
	}
	if !c.Protocol.Valid() {
		return errors.ErrInvalidConfig(fmt.Sprintf("protocol %q must be tcp or udp", c.Protocol), nil)
	}
	if c.Count < 0 || c.Runtime < 0 {
		return errors.ErrInvalidConfig("count and runtime must not be negative", nil)
	}
	if (c.Count > 0) == (c.Runtime > 0) {
		return errors.ErrInvalidConfig("exactly one of message count or runtime must be set", nil)
	}
	if c.MessageSize < packet.HeaderSize {
		return errors.ErrInvalidSize(c.MessageSize, packet.HeaderSize)
	}
	limit, err := c.maxMessageSize()
	if err != nil {
		return err
	}
	if c.MessageSize > limit {
		return &errors.ProbeError{
			Code:    errors.ErrCodeInvalidSize,
			Message: fmt.Sprintf("message size %d exceeds the %s maximum of %d", c.MessageSize, c.Protocol, limit),
		}
	}
	if c.Timeout <= 0 {
		return errors.ErrInvalidConfig("timeout must be > 0", nil)
	}
	if c.Window < 1 {
		return errors.ErrInvalidConfig(fmt.Sprintf("window %d must be >= 1", c.Window), nil)
	}
	if c.Protocol == types.ProtocolTCP && c.Window > 1 && c.Window*c.MessageSize > MaxTCPInFlightBytes {
		return errors.ErrInvalidConfig(fmt.Sprintf(
			"tcp window %d x size %d exceeds the %d byte in-flight limit (lower the window or the size)",
			c.Window, c.MessageSize, MaxTCPInFlightBytes), nil)
	}
	if c.Interval < 0 || c.ProgressInterval < 0 {
		return errors.ErrInvalidConfig("intervals must not be negative", nil)
	}
	if c.Proxy != nil {
		if c.Proxy.Host == "" {
			return errors.ErrInvalidConfig("proxy host is required when a proxy is configured", nil)
		}
		if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
			return errors.ErrInvalidConfig(fmt.Sprintf("proxy port %d must be 1-65535", c.Proxy.Port), nil)
		}
		if len(c.Proxy.Username) > 255 || len(c.Proxy.Password) > 255 {
			return errors.ErrInvalidConfig("proxy username and password must be at most 255 bytes", nil)
		}
	}
	return nil
}

// maxMessageSize is the largest payload for the protocol. Proxied UDP loses
// the relay header's length, which depends on how the target is addressed.
func (c *Config) maxMessageSize() (int, error) {
	if c.Protocol == types.ProtocolTCP {
		return MaxTCPMessageSize, nil
	}
	if c.Proxy == nil {
		return MaxUDPMessageSize, nil
	}
	hdr, err := socks5.UDPHeader(c.Target())
	if err != nil {
		return 0, errors.ErrInvalidConfig("target cannot be relayed through SOCKS5", err)
	}
	return MaxUDPMessageSize - len(hdr), nil
}

// RunConfig is the reportable view of c. Proxy credentials are omitted.
func (c *Config) RunConfig() types.RunConfig {
	rc := types.RunConfig{
		Host:           c.Host,
		Port:           c.Port,
		Protocol:       c.Protocol,
		MessageSize:    c.MessageSize,
		Count:          c.Count,
		RuntimeSeconds: c.Runtime.Seconds(),
		TimeoutSeconds: c.Timeout.Seconds(),
		Window:         c.Window,
		IntervalMs:     float64(c.Interval) / float64(time.Millisecond),
	}
	if c.Proxy != nil {
		rc.Proxy = &types.ProxyInfo{
			Host:          c.Proxy.Host,
			Port:          c.Proxy.Port,
			Authenticated: c.Proxy.Username != "" || c.Proxy.Password != "",
		}
	}
	return rc
}
