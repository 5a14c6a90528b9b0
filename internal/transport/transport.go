// Package transport gives the probe loop one send/receive interface over TCP
// and UDP, whether the channel is direct or tunnelled through a proxy.
package transport

import (
	"context"
	"net"
	"time"
)

// Conn carries whole test packets. Receive fills buf with exactly one
// packet's worth of bytes for stream transports, or one datagram for
// datagram transports, and honours deadline.
type Conn interface {
	Send(b []byte) error
	Receive(buf []byte, deadline time.Time) (int, error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Dialer opens a Conn to address over network ("tcp" or "udp").
type Dialer interface {
	Dial(ctx context.Context, network, address string) (Conn, error)
}

// Wrap adapts an established net.Conn into a Conn using the framing that
// matches network.
func Wrap(network string, c net.Conn) Conn {
	switch network {
	case "udp", "udp4", "udp6":
		return NewDatagram(c)
	default:
		return NewStream(c)
	}
}

// Stream frames a byte stream into fixed-size packets. Bytes read before a
// deadline expired are kept and completed by the next Receive, so a timeout
// never shifts frame boundaries.
type Stream struct {
	conn    net.Conn
	pending []byte
}

func NewStream(c net.Conn) *Stream {
	return &Stream{conn: c}
}

func (s *Stream) Send(b []byte) error {
	for len(b) > 0 {
		n, err := s.conn.Write(b)
		if err != nil {
			return classify(err)
		}
		b = b[n:]
	}
	return nil
}

func (s *Stream) Receive(buf []byte, deadline time.Time) (int, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, classify(err)
	}

	have := copy(buf, s.pending)
	s.pending = s.pending[:0]
	for have < len(buf) {
		n, err := s.conn.Read(buf[have:])
		have += n
		if err != nil {
			if IsTimeout(err) {
				s.pending = append(s.pending, buf[:have]...)
			}
			return 0, classify(err)
		}
	}
	return have, nil
}

func (s *Stream) Close() error         { return s.conn.Close() }
func (s *Stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Datagram sends and receives one packet per datagram.
type Datagram struct {
	conn net.Conn
}

func NewDatagram(c net.Conn) *Datagram {
	return &Datagram{conn: c}
}

func (d *Datagram) Send(b []byte) error {
	if _, err := d.conn.Write(b); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Datagram) Receive(buf []byte, deadline time.Time) (int, error) {
	if err := d.conn.SetReadDeadline(deadline); err != nil {
		return 0, classify(err)
	}
	n, err := d.conn.Read(buf)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (d *Datagram) Close() error         { return d.conn.Close() }
func (d *Datagram) LocalAddr() net.Addr  { return d.conn.LocalAddr() }
func (d *Datagram) RemoteAddr() net.Addr { return d.conn.RemoteAddr() }

