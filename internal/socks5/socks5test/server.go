// Package socks5test provides an in-process SOCKS5 proxy for tests. It
// supports CONNECT and UDP ASSOCIATE, optional username/password auth and
// scripted failure replies.
package socks5test

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/losstest/internal/socks5"
)

// Server is a minimal SOCKS5 proxy listening on 127.0.0.1.
type Server struct {
	// Username and Password, when set, make the proxy require RFC 1929 auth.
	Username string
	Password string

	// Reply, when non-zero, is sent instead of success for every request.
	Reply byte

	// NoAcceptableMethod makes method selection answer 0xFF.
	NoAcceptableMethod bool

	// AnnounceUnspecified makes UDP ASSOCIATE reply with BND.ADDR 0.0.0.0 so
	// clients must fall back to the proxy host.
	AnnounceUnspecified bool

	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	controls map[net.Conn]struct{}
	closed   bool

	Connects     atomic.Int64
	Associations atomic.Int64
	AuthFailures atomic.Int64
}

// NewServer starts a proxy with the options already set by configure.
func NewServer(configure func(*Server)) (*Server, error) {
	s := &Server{
		conns:    make(map[net.Conn]struct{}),
		controls: make(map[net.Conn]struct{}),
	}
	if configure != nil {
		configure(s)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// DropAssociations closes every open UDP ASSOCIATE control connection,
// simulating a proxy that tears the relay down mid-session.
func (s *Server) DropAssociations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.controls {
		c.Close()
		delete(s.controls, c)
	}
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if !s.negotiate(conn) {
		return
	}

	var head [3]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil || head[0] != socks5.Version5 {
		return
	}
	host, port, err := socks5.ReadAddr(conn)
	if err != nil {
		s.reply(conn, socks5.ReplyAddressTypeNotSupported, nil)
		return
	}
	if s.Reply != socks5.ReplySucceeded {
		s.reply(conn, s.Reply, nil)
		return
	}

	switch head[1] {
	case socks5.CmdConnect:
		s.connect(conn, net.JoinHostPort(host, strconv.Itoa(port)))
	case socks5.CmdUDPAssociate:
		s.associate(conn)
	default:
		s.reply(conn, socks5.ReplyCommandNotSupported, nil)
	}
}

func (s *Server) negotiate(conn net.Conn) bool {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil || head[0] != socks5.Version5 {
		return false
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return false
	}

	if s.NoAcceptableMethod {
		conn.Write([]byte{socks5.Version5, socks5.MethodNoAcceptable})
		return false
	}

	want := byte(socks5.MethodNoAuth)
	if s.Username != "" || s.Password != "" {
		want = socks5.MethodUserPass
	}
	if !bytes.Contains(methods, []byte{want}) {
		conn.Write([]byte{socks5.Version5, socks5.MethodNoAcceptable})
		return false
	}
	if _, err := conn.Write([]byte{socks5.Version5, want}); err != nil {
		return false
	}
	if want == socks5.MethodNoAuth {
		return true
	}

	var ver [2]byte
	if _, err := io.ReadFull(conn, ver[:]); err != nil {
		return false
	}
	user := make([]byte, ver[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return false
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return false
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return false
	}
	if string(user) != s.Username || string(pass) != s.Password {
		s.AuthFailures.Add(1)
		conn.Write([]byte{0x01, 0x01})
		return false
	}
	_, err := conn.Write([]byte{0x01, 0x00})
	return err == nil
}

func (s *Server) reply(conn net.Conn, code byte, bound net.Addr) {
	host, port := "0.0.0.0", 0
	if bound != nil {
		h, p, _ := net.SplitHostPort(bound.String())
		host = h
		port, _ = strconv.Atoi(p)
	}
	msg, _ := socks5.AppendAddr([]byte{socks5.Version5, code, 0x00}, host, port)
	conn.Write(msg)
}

func (s *Server) connect(conn net.Conn, target string) {
	upstream, err := net.DialTimeout("tcp", target, 2*time.Second)
	if err != nil {
		s.reply(conn, socks5.ReplyConnectionRefused, nil)
		return
	}
	defer upstream.Close()
	s.Connects.Add(1)
	s.reply(conn, socks5.ReplySucceeded, upstream.LocalAddr())
	_ = conn.SetDeadline(time.Time{})

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
	conn.Close()
	upstream.Close()
	<-done
}

func (s *Server) associate(conn net.Conn) {
	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		s.reply(conn, socks5.ReplyGeneralFailure, nil)
		return
	}
	defer relay.Close()

	s.mu.Lock()
	s.controls[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.controls, conn)
		s.mu.Unlock()
	}()

	s.Associations.Add(1)
	bound := net.Addr(relay.LocalAddr())
	if s.AnnounceUnspecified {
		bound = &net.UDPAddr{IP: net.IPv4zero, Port: relay.LocalAddr().(*net.UDPAddr).Port}
	}
	s.reply(conn, socks5.ReplySucceeded, bound)
	_ = conn.SetDeadline(time.Time{})

	go s.relayLoop(relay)

	// The association lives as long as the control connection.
	io.Copy(io.Discard, conn)
}

// relayLoop forwards client datagrams to their header destination and
// wraps replies with the source address header.
func (s *Server) relayLoop(relay *net.UDPConn) {
	buf := make([]byte, 65535)
	var client *net.UDPAddr
	for {
		n, from, err := relay.ReadFromUDP(buf)
		if err != nil {
			return
		}

		if client == nil || from.String() == client.String() {
			client = from
			frag, payload, ok := socks5.SplitUDPDatagram(buf[:n])
			if !ok || frag != 0 {
				continue
			}
			host, port, err := socks5.ReadAddr(bytes.NewReader(buf[3:n]))
			if err != nil {
				continue
			}
			dst, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				continue
			}
			relay.WriteToUDP(payload, dst)
			continue
		}

		header, err := socks5.UDPHeader(from.String())
		if err != nil {
			continue
		}
		relay.WriteToUDP(append(header, buf[:n]...), client)
	}
}
