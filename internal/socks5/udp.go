package socks5

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/pkg/errors"
)

const maxDatagram = 65535

// UDPConn is a datagram channel to one target through a SOCKS5 UDP relay.
// Writes are prefixed with the relay header and reads have it stripped, so it
// behaves like a connected UDP socket to the target.
type UDPConn struct {
	control net.Conn
	relay   *net.UDPConn
	target  string
	header  []byte

	rmu  sync.Mutex
	rbuf []byte
	wmu  sync.Mutex
	wbuf []byte

	failed    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	logger    *logging.Logger
}

// Associate opens a control connection to the proxy, negotiates UDP
// ASSOCIATE and returns a channel to target via the announced relay.
func (c *Client) Associate(ctx context.Context, target string) (*UDPConn, error) {
	header, err := UDPHeader(target)
	if err != nil {
		return nil, errors.ErrInvalidConfig("invalid target address "+target, err)
	}

	control, err := c.dialProxy(ctx)
	if err != nil {
		return nil, err
	}

	relayAddr, err := c.associate(ctx, control)
	if err != nil {
		control.Close()
		return nil, err
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "udp", relayAddr)
	if err != nil {
		control.Close()
		return nil, errors.ErrConnectionFailed("dial udp relay "+relayAddr, err)
	}

	u := &UDPConn{
		control: control,
		relay:   raw.(*net.UDPConn),
		target:  target,
		header:  header,
		rbuf:    make([]byte, maxDatagram),
		wbuf:    make([]byte, 0, maxDatagram),
		done:    make(chan struct{}),
		logger:  c.log(),
	}
	go u.watchControl()

	c.log().Debug("udp association established",
		logging.Field{Key: "proxy", Value: c.ProxyAddr},
		logging.Field{Key: "relay", Value: relayAddr},
		logging.Field{Key: "target", Value: target})
	return u, nil
}

func (c *Client) associate(ctx context.Context, control net.Conn) (string, error) {
	defer c.withDeadline(ctx, control)()

	if err := c.negotiate(control); err != nil {
		return "", err
	}
	// The client's sending address is not known before the relay socket
	// exists, so the request carries 0.0.0.0:0.
	host, port, err := c.request(control, CmdUDPAssociate, "0.0.0.0:0")
	if err != nil {
		return "", err
	}

	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		proxyHost, _, splitErr := net.SplitHostPort(c.ProxyAddr)
		if splitErr != nil {
			return "", errors.ErrInvalidConfig("invalid proxy address "+c.ProxyAddr, splitErr)
		}
		host = proxyHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// watchControl blocks on the control connection. The proxy ends the
// association by closing it; after that every Read and Write fails.
func (u *UDPConn) watchControl() {
	_, err := io.Copy(io.Discard, u.control)
	if u.closed.Load() {
		return
	}
	u.failed.Store(true)
	u.logger.Warn("udp relay control connection lost", logging.Field{Key: "error", Value: err})
	// Unblock a pending Read.
	_ = u.relay.SetReadDeadline(time.Now())
	close(u.done)
}

func (u *UDPConn) channelFailed() error {
	return errors.ErrProxyChannelFailed("udp relay control connection closed", nil)
}

// Read returns the payload of the next datagram from the relay. Fragmented
// or unparseable datagrams are dropped.
func (u *UDPConn) Read(b []byte) (int, error) {
	u.rmu.Lock()
	defer u.rmu.Unlock()

	for {
		if u.failed.Load() {
			return 0, u.channelFailed()
		}
		n, err := u.relay.Read(u.rbuf)
		if err != nil {
			if u.failed.Load() {
				return 0, u.channelFailed()
			}
			return 0, err
		}
		frag, payload, ok := SplitUDPDatagram(u.rbuf[:n])
		if !ok || frag != 0 {
			u.logger.Debug("dropping relay datagram",
				logging.Field{Key: "bytes", Value: n},
				logging.Field{Key: "frag", Value: frag})
			continue
		}
		return copy(b, payload), nil
	}
}

// Write sends b to the target through the relay.
func (u *UDPConn) Write(b []byte) (int, error) {
	if u.failed.Load() {
		return 0, u.channelFailed()
	}
	u.wmu.Lock()
	defer u.wmu.Unlock()

	u.wbuf = append(u.wbuf[:0], u.header...)
	u.wbuf = append(u.wbuf, b...)
	if _, err := u.relay.Write(u.wbuf); err != nil {
		if u.failed.Load() {
			return 0, u.channelFailed()
		}
		return 0, err
	}
	return len(b), nil
}

// Close tears down the relay socket and the control connection.
func (u *UDPConn) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		err = u.relay.Close()
		if cerr := u.control.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// Done is closed when the proxy drops the control connection.
func (u *UDPConn) Done() <-chan struct{} { return u.done }

func (u *UDPConn) LocalAddr() net.Addr { return u.relay.LocalAddr() }

// RemoteAddr is the relay address, not the target.
func (u *UDPConn) RemoteAddr() net.Addr { return u.relay.RemoteAddr() }

func (u *UDPConn) SetDeadline(t time.Time) error      { return u.relay.SetDeadline(t) }
func (u *UDPConn) SetReadDeadline(t time.Time) error  { return u.relay.SetReadDeadline(t) }
func (u *UDPConn) SetWriteDeadline(t time.Time) error { return u.relay.SetWriteDeadline(t) }

// Target is the address every datagram is addressed to.
func (u *UDPConn) Target() string { return u.target }
