// Package socks5 implements the client side of SOCKS5 (RFC 1928) with
// username/password authentication (RFC 1929), for both CONNECT tunnels and
// UDP ASSOCIATE relays.
package socks5

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/pkg/errors"
)

const (
	Version5 = 0x05

	MethodNoAuth       = 0x00
	MethodUserPass     = 0x02
	MethodNoAcceptable = 0xFF

	userPassVersion = 0x01

	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	ReplySucceeded               = 0x00
	ReplyGeneralFailure          = 0x01
	ReplyNotAllowed              = 0x02
	ReplyNetworkUnreachable      = 0x03
	ReplyHostUnreachable         = 0x04
	ReplyConnectionRefused       = 0x05
	ReplyTTLExpired              = 0x06
	ReplyCommandNotSupported     = 0x07
	ReplyAddressTypeNotSupported = 0x08
)

const defaultHandshakeTimeout = 10 * time.Second

var replyText = map[byte]string{
	ReplyGeneralFailure:          "general SOCKS server failure",
	ReplyNotAllowed:              "connection not allowed by ruleset",
	ReplyNetworkUnreachable:      "network unreachable",
	ReplyHostUnreachable:         "host unreachable",
	ReplyConnectionRefused:       "connection refused",
	ReplyTTLExpired:              "TTL expired",
	ReplyCommandNotSupported:     "command not supported",
	ReplyAddressTypeNotSupported: "address type not supported",
}

// ReplyText describes a SOCKS5 reply code.
func ReplyText(code byte) string {
	if s, ok := replyText[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown reply code 0x%02x", code)
}

// Client negotiates tunnels through one SOCKS5 proxy. The zero value is not
// usable; set ProxyAddr at least.
type Client struct {
	ProxyAddr string
	Username  string
	Password  string

	// Forward reaches the proxy itself. Nil means proxy.Direct.
	Forward proxy.ContextDialer

	// HandshakeTimeout bounds negotiation when ctx carries no deadline.
	HandshakeTimeout time.Duration

	logger *logging.Logger
}

func NewClient(proxyAddr, username, password string) *Client {
	return &Client{
		ProxyAddr:        proxyAddr,
		Username:         username,
		Password:         password,
		HandshakeTimeout: defaultHandshakeTimeout,
		logger:           logging.NewLogger("socks5"),
	}
}

// FromEnvironment returns a dialer that reaches the proxy through the one
// named by ALL_PROXY, skipping hosts listed in NO_PROXY. With neither set it
// dials directly.
func FromEnvironment() proxy.ContextDialer {
	return envDialer{}
}

type envDialer struct{}

func (envDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return proxy.Dial(ctx, network, address)
}

func (c *Client) log() *logging.Logger {
	if c.logger == nil {
		c.logger = logging.NewLogger("socks5")
	}
	return c.logger
}

func (c *Client) forward() proxy.ContextDialer {
	if c.Forward != nil {
		return c.Forward
	}
	return proxy.Direct
}

func (c *Client) hasCredentials() bool {
	return c.Username != "" || c.Password != ""
}

// DialContext connects to the proxy and tunnels network ("tcp" or "udp") to
// target. A "udp" dial returns a *UDPConn.
func (c *Client) DialContext(ctx context.Context, network, target string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	case "udp", "udp4", "udp6":
		return c.Associate(ctx, target)
	default:
		return nil, fmt.Errorf("socks5: unsupported network %q", network)
	}

	raw, err := c.dialProxy(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.Wrap(ctx, raw, target); err != nil {
		raw.Close()
		return nil, err
	}
	return raw, nil
}

func (c *Client) dialProxy(ctx context.Context) (net.Conn, error) {
	raw, err := c.forward().DialContext(ctx, "tcp", c.ProxyAddr)
	if err != nil {
		return nil, errors.ErrConnectionFailed("dial proxy "+c.ProxyAddr, err)
	}
	return raw, nil
}

// Wrap runs the greeting, authentication and CONNECT on an already open
// connection to the proxy. On success raw is a transparent pipe to target and
// the proxy's bound address is returned. raw is not closed on failure.
func (c *Client) Wrap(ctx context.Context, raw net.Conn, target string) (net.Addr, error) {
	defer c.withDeadline(ctx, raw)()

	if err := c.negotiate(raw); err != nil {
		return nil, err
	}
	host, port, err := c.request(raw, CmdConnect, target)
	if err != nil {
		return nil, err
	}
	c.log().Debug("tunnel established",
		logging.Field{Key: "proxy", Value: c.ProxyAddr},
		logging.Field{Key: "target", Value: target})
	return bindAddr("tcp", host, port), nil
}

// withDeadline applies the handshake deadline to conn and returns a func that
// clears it again.
func (c *Client) withDeadline(ctx context.Context, conn net.Conn) func() {
	deadline, ok := ctx.Deadline()
	if !ok {
		timeout := c.HandshakeTimeout
		if timeout <= 0 {
			timeout = defaultHandshakeTimeout
		}
		deadline = time.Now().Add(timeout)
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// negotiate performs method selection and, if chosen, RFC 1929 auth.
func (c *Client) negotiate(conn net.Conn) error {
	greeting := []byte{Version5, 1, MethodNoAuth}
	if c.hasCredentials() {
		greeting = []byte{Version5, 2, MethodNoAuth, MethodUserPass}
	}
	if _, err := conn.Write(greeting); err != nil {
		return errors.ErrConnectionFailed("send socks5 greeting", err)
	}

	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return errors.ErrConnectionFailed("read socks5 method selection", err)
	}
	if resp[0] != Version5 {
		return errors.ErrConnectionFailed(fmt.Sprintf("unexpected socks version 0x%02x", resp[0]), nil)
	}

	switch resp[1] {
	case MethodNoAuth:
		return nil
	case MethodUserPass:
		if !c.hasCredentials() {
			return errors.ErrProxyAuthUnsupported(resp[1])
		}
		return c.authenticate(conn)
	default:
		return errors.ErrProxyAuthUnsupported(resp[1])
	}
}

func (c *Client) authenticate(conn net.Conn) error {
	if len(c.Username) > 255 || len(c.Password) > 255 {
		return errors.ErrInvalidConfig("proxy username and password must be at most 255 bytes", nil)
	}
	req := make([]byte, 0, 3+len(c.Username)+len(c.Password))
	req = append(req, userPassVersion, byte(len(c.Username)))
	req = append(req, c.Username...)
	req = append(req, byte(len(c.Password)))
	req = append(req, c.Password...)
	if _, err := conn.Write(req); err != nil {
		return errors.ErrConnectionFailed("send proxy credentials", err)
	}

	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		// Some proxies close the connection instead of sending a failure
		// status.
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.ErrProxyAuthFailed(0xFF)
		}
		return errors.ErrConnectionFailed("read proxy auth status", err)
	}
	if resp[1] != 0x00 {
		return errors.ErrProxyAuthFailed(resp[1])
	}
	return nil
}

// request sends a command for target and returns BND.ADDR and BND.PORT.
func (c *Client) request(conn net.Conn, cmd byte, target string) (string, int, error) {
	req, err := AppendHostPort([]byte{Version5, cmd, 0x00}, target)
	if err != nil {
		return "", 0, errors.ErrInvalidConfig("invalid target address "+target, err)
	}
	if _, err := conn.Write(req); err != nil {
		return "", 0, errors.ErrConnectionFailed("send socks5 request", err)
	}

	var head [3]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return "", 0, errors.ErrConnectionFailed("read socks5 reply", err)
	}
	if head[0] != Version5 {
		return "", 0, errors.ErrConnectionFailed(fmt.Sprintf("unexpected socks version 0x%02x in reply", head[0]), nil)
	}
	if head[1] != ReplySucceeded {
		return "", 0, errors.ErrProxyConnect(head[1], ReplyText(head[1]))
	}

	host, port, err := ReadAddr(conn)
	if err != nil {
		return "", 0, errors.ErrConnectionFailed("read socks5 bound address", err)
	}
	return host, port, nil
}

func bindAddr(network, host string, port int) net.Addr {
	ip := net.ParseIP(host)
	if network == "udp" {
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}
