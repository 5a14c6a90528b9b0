package transport

import (
	"context"
	"net"
	"time"

	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/internal/socks5"
	"github.com/saveenergy/losstest/pkg/errors"
)

// Direct dials the target without a proxy.
type Direct struct {
	Timeout time.Duration
}

func (d Direct) Dial(ctx context.Context, network, address string) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.ErrConnectionFailed("dial "+network+" "+address, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		// Test packets must not wait for Nagle coalescing.
		_ = tc.SetNoDelay(true)
	}
	logging.Debug("direct connection established",
		logging.Field{Key: "network", Value: network},
		logging.Field{Key: "local", Value: c.LocalAddr()},
		logging.Field{Key: "remote", Value: c.RemoteAddr()})
	return Wrap(network, c), nil
}

// SOCKS5 tunnels through a proxy: CONNECT for tcp, UDP ASSOCIATE for udp.
type SOCKS5 struct {
	Client *socks5.Client
}

func NewSOCKS5(proxyAddr, username, password string) *SOCKS5 {
	return &SOCKS5{Client: socks5.NewClient(proxyAddr, username, password)}
}

func (s *SOCKS5) Dial(ctx context.Context, network, address string) (Conn, error) {
	c, err := s.Client.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return Wrap(network, c), nil
}
