// Package echo implements the loss-test echo server: every TCP frame and UDP
// datagram is written back to its sender unchanged.
package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/losstest/internal/config"
	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/pkg/types"
)

type State int32

const (
	StateIdle State = iota
	StateListening
	StateEchoing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateEchoing:
		return "echoing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const acceptPollInterval = 100 * time.Millisecond

type Server struct {
	config *config.Config
	impair Impairment
	logger *logging.Logger

	tcpListener *net.TCPListener
	udpConn     *net.UDPConn

	started  atomic.Bool
	stopped  atomic.Bool
	inFlight atomic.Int64

	packetsReceived atomic.Int64
	packetsEchoed   atomic.Int64
	packetsDropped  atomic.Int64
	bytesEchoed     atomic.Int64
	activeTCPConns  atomic.Int64
	totalTCPConns   atomic.Int64
	startTime       time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Server)

// WithImpairment overrides the impairment built from the config.
func WithImpairment(i Impairment) Option {
	return func(s *Server) {
		s.impair = i
	}
}

// NewServer returns an idle server. Call Start to bind and serve.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		logger: logging.NewLogger("echo"),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Impaired() {
		s.impair = RandomLoss{Rate: cfg.ImpairDropRate, Delay: cfg.ImpairDelay}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start binds the configured transports and begins echoing.
func (s *Server) Start() error {
	if s.stopped.Load() {
		return errors.New("server stopped")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}

	addr := s.config.ListenAddress()
	if s.config.ServesTCP() {
		tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("resolve TCP address: %w", err)
		}
		ln, err := net.ListenTCP("tcp", tcpAddr)
		if err != nil {
			return fmt.Errorf("listen TCP: %w", err)
		}
		s.tcpListener = ln
	}
	if s.config.ServesUDP() {
		udpAddr, err := net.ResolveUDPAddr("udp", s.udpListenAddress(addr))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("resolve UDP address: %w", err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen UDP: %w", err)
		}
		s.udpConn = conn
	}

	s.startTime = time.Now()
	if s.tcpListener != nil {
		s.wg.Add(1)
		go s.acceptTCP()
	}
	if s.udpConn != nil {
		s.startUDPReaders()
	}
	if s.config.StatsInterval > 0 {
		s.wg.Add(1)
		go s.statsLoop(s.config.StatsInterval)
	}

	s.logger.Info("Echo server started",
		logging.Field{Key: "tcp", Value: addrString(s.TCPAddr())},
		logging.Field{Key: "udp", Value: addrString(s.UDPAddr())},
		logging.Field{Key: "message_size", Value: s.config.MessageSize})
	return nil
}

// udpListenAddress reuses the TCP port when the TCP listener picked an
// ephemeral one, so both transports answer on the same port number.
func (s *Server) udpListenAddress(addr string) string {
	if s.config.Port != 0 || s.tcpListener == nil {
		return addr
	}
	host, _, _ := net.SplitHostPort(addr)
	port := s.tcpListener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort(host, fmt.Sprint(port))
}

func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

func (s *Server) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

func addrString(a net.Addr) string {
	if a == nil {
		return "disabled"
	}
	return a.String()
}

func (s *Server) State() State {
	switch {
	case s.stopped.Load():
		return StateStopped
	case !s.started.Load():
		return StateIdle
	case s.inFlight.Load() > 0:
		return StateEchoing
	default:
		return StateListening
	}
}

func (s *Server) Stats() types.ServerStats {
	stats := types.ServerStats{
		PacketsReceived: s.packetsReceived.Load(),
		PacketsEchoed:   s.packetsEchoed.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
		BytesEchoed:     s.bytesEchoed.Load(),
		ActiveTCPConns:  s.activeTCPConns.Load(),
		TotalTCPConns:   s.totalTCPConns.Load(),
		Timestamp:       time.Now(),
	}
	if s.tcpListener != nil {
		stats.Protocols = append(stats.Protocols, config.ProtocolTCP)
	}
	if s.udpConn != nil {
		stats.Protocols = append(stats.Protocols, config.ProtocolUDP)
	}
	if !s.startTime.IsZero() {
		uptime := time.Since(s.startTime).Seconds()
		stats.UptimeSeconds = uptime
		if uptime > 0 {
			stats.PacketsPerSecond = float64(stats.PacketsEchoed) / uptime
		}
	}
	return stats
}

func (s *Server) acceptTCP() {
	defer s.wg.Done()

	maxConns := int64(s.config.MaxTCPConns)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_ = s.tcpListener.SetDeadline(time.Now().Add(acceptPollInterval))
			conn, err := s.tcpListener.AcceptTCP()
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Warn("TCP accept error", logging.Field{Key: "error", Value: err})
				continue
			}

			_ = conn.SetNoDelay(true)

			if v := s.activeTCPConns.Add(1); v > maxConns {
				s.activeTCPConns.Add(-1)
				s.logger.Warn("TCP connection limit reached",
					logging.Field{Key: "remote", Value: conn.RemoteAddr()},
					logging.Field{Key: "limit", Value: maxConns})
				conn.Close()
				continue
			}
			s.totalTCPConns.Add(1)

			s.wg.Add(1)
			go s.handleTCPConnection(conn)
		}
	}
}

// handleTCPConnection echoes fixed-size frames until the peer closes, a
// short read ends the stream, or the server stops. Read timeouts only re-arm
// the deadline; a partially read frame is kept.
func (s *Server) handleTCPConnection(conn *net.TCPConn) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.activeTCPConns.Add(-1)

	stop := context.AfterFunc(s.ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	remote := conn.RemoteAddr()
	s.logger.Debug("TCP connection accepted", logging.Field{Key: "remote", Value: remote})

	buf := make([]byte, s.config.MessageSize)
	have := 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		n, err := conn.Read(buf[have:])
		have += n
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("TCP connection error",
					logging.Field{Key: "remote", Value: remote},
					logging.Field{Key: "error", Value: err})
			} else if have > 0 {
				s.logger.Debug("TCP short read before close",
					logging.Field{Key: "remote", Value: remote},
					logging.Field{Key: "bytes", Value: have})
			}
			return
		}
		if have < len(buf) {
			continue
		}
		have = 0

		s.packetsReceived.Add(1)
		if !s.echoTCP(conn, buf) {
			return
		}
	}
}

func (s *Server) echoTCP(conn *net.TCPConn, frame []byte) bool {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	drop, delay := s.decide(frame)
	if drop {
		s.packetsDropped.Add(1)
		return true
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return false
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.ReadTimeout + delay))
	if _, err := conn.Write(frame); err != nil {
		return false
	}
	s.packetsEchoed.Add(1)
	s.bytesEchoed.Add(int64(len(frame)))
	return true
}

func (s *Server) decide(p []byte) (bool, time.Duration) {
	if s.impair == nil {
		return false, 0
	}
	return s.impair.Decide(p)
}

func (s *Server) startUDPReaders() {
	numReaders := runtime.GOMAXPROCS(0)
	if numReaders < 1 {
		numReaders = 1
	}
	if numReaders > 4 {
		numReaders = 4
	}
	for i := 0; i < numReaders; i++ {
		s.wg.Add(1)
		go s.udpReader()
	}
	s.logger.Debug("UDP readers started", logging.Field{Key: "count", Value: numReaders})
}

// udpReader echoes each datagram to its sender. Datagrams longer than the
// message size are truncated to it.
func (s *Server) udpReader() {
	defer s.wg.Done()
	buf := make([]byte, s.config.MessageSize)

	for {
		_ = s.udpConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("UDP read error", logging.Field{Key: "error", Value: err})
			continue
		}
		if n == 0 {
			continue
		}

		s.packetsReceived.Add(1)
		s.echoUDP(buf[:n], addr)
	}
}

func (s *Server) echoUDP(p []byte, addr *net.UDPAddr) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	drop, delay := s.decide(p)
	if drop {
		s.packetsDropped.Add(1)
		return
	}
	if delay <= 0 {
		s.writeUDP(p, addr)
		return
	}

	// Delayed replies must not hold up the reader.
	reply := append([]byte(nil), p...)
	s.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer s.wg.Done()
		if s.ctx.Err() != nil {
			return
		}
		s.writeUDP(reply, addr)
	})
}

func (s *Server) writeUDP(p []byte, addr *net.UDPAddr) {
	if _, err := s.udpConn.WriteToUDP(p, addr); err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("UDP echo error", logging.Field{Key: "error", Value: err})
		}
		return
	}
	s.packetsEchoed.Add(1)
	s.bytesEchoed.Add(int64(len(p)))
}

func (s *Server) statsLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			st := s.Stats()
			s.logger.Info("Echo stats",
				logging.Field{Key: "received", Value: st.PacketsReceived},
				logging.Field{Key: "echoed", Value: st.PacketsEchoed},
				logging.Field{Key: "dropped", Value: st.PacketsDropped},
				logging.Field{Key: "active_tcp", Value: st.ActiveTCPConns},
				logging.Field{Key: "pps", Value: st.PacketsPerSecond})
		}
	}
}

func (s *Server) closeListeners() {
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
}

// Close stops the server and waits for every connection handler and delayed
// reply to finish. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		s.cancel()
		s.closeListeners()
		s.wg.Wait()
		s.logger.Info("Echo server stopped",
			logging.Field{Key: "echoed", Value: s.packetsEchoed.Load()},
			logging.Field{Key: "dropped", Value: s.packetsDropped.Load()})
	})
	return nil
}
