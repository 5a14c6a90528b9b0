// Package monitor exposes echo server statistics over HTTP: a health probe,
// a JSON snapshot and a WebSocket feed that pushes snapshots periodically.
package monitor

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/pkg/types"
)

// StatsSource supplies snapshots; *echo.Server satisfies it.
type StatsSource interface {
	Stats() types.ServerStats
}

type Server struct {
	source         StatsSource
	version        string
	upgrader       websocket.Upgrader
	clients        map[*websocket.Conn]*clientConn
	allowedOrigins []string
	pingInterval   time.Duration
	pushInterval   time.Duration
	limiter        *RateLimiter
	logger         *logging.Logger
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type Option func(*Server)

func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithPushInterval sets how often connected clients receive a snapshot.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pushInterval = d
		}
	}
}

// WithRateLimiter throttles /stats and /ws per client. /health is exempt.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		s.limiter = rl
	}
}

func NewServer(source StatsSource, version string, opts ...Option) *Server {
	s := &Server{
		source:       source,
		version:      version,
		clients:      make(map[*websocket.Conn]*clientConn),
		pingInterval: 30 * time.Second,
		pushInterval: 1 * time.Second,
		logger:       logging.NewLogger("monitor"),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.isAllowedOrigin(r.Header.Get("Origin"), r.Host)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	s.wg.Add(2)
	go s.loop(s.pingInterval, s.pingClients)
	go s.loop(s.pushInterval, s.broadcastStats)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.HealthCheck)
	mux.Handle("GET /stats", s.limited(http.HandlerFunc(s.GetStats)))
	mux.Handle("GET /ws", s.limited(http.HandlerFunc(s.HandleStream)))
	return mux
}

func (s *Server) limited(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.source.Stats(), http.StatusOK)
}

type wsMessage struct {
	Type  string             `json:"type"`
	Stats *types.ServerStats `json:"stats,omitempty"`
	Time  int64              `json:"time"`
}

func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", logging.Field{Key: "error", Value: err})
		return
	}
	defer conn.Close()

	// Server only reads for disconnect detection.
	conn.SetReadLimit(4096)

	// Registered after the greeting so broadcasts never precede it.
	client := &clientConn{conn: conn}
	stats := s.source.Stats()
	if err := client.writeJSON(wsMessage{Type: "connected", Stats: &stats, Time: time.Now().Unix()}); err != nil {
		return
	}
	s.mu.Lock()
	s.clients[conn] = client
	s.mu.Unlock()
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount reports the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) loop(interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Server) snapshotClients() []*clientConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	return list
}

func (s *Server) broadcastStats() {
	clients := s.snapshotClients()
	if len(clients) == 0 {
		return
	}
	stats := s.source.Stats()
	data, err := json.Marshal(wsMessage{Type: "stats", Stats: &stats, Time: time.Now().Unix()})
	if err != nil {
		s.logger.Warn("WebSocket stats marshal failed", logging.Field{Key: "error", Value: err})
		return
	}
	for _, client := range clients {
		if err := client.writeMessage(websocket.TextMessage, data); err != nil {
			s.removeClient(client.conn)
			client.conn.Close()
		}
	}
}

func (s *Server) pingClients() {
	for _, client := range s.snapshotClients() {
		if err := client.writeMessage(websocket.PingMessage, nil); err != nil {
			s.removeClient(client.conn)
			client.conn.Close()
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}

// Close stops the background loops and disconnects every client.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, client := range s.snapshotClients() {
			client.conn.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) isAllowedOrigin(origin string, host string) bool {
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) == 0 {
		return sameOrigin(origin, host)
	}

	originHostValue := originHost(origin)
	for _, allowed := range s.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(allowed, origin) {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			suffix := strings.TrimPrefix(allowed, "*.")
			if originHostValue != "" && (originHostValue == suffix || strings.HasSuffix(originHostValue, "."+suffix)) {
				return true
			}
		}
		allowedHost := originHost(allowed)
		if allowedHost != "" && originHostValue != "" && strings.EqualFold(allowedHost, originHostValue) {
			return true
		}
	}
	return false
}

func sameOrigin(origin string, host string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(stripHostPort(parsed.Host), stripHostPort(host))
}

// originHost extracts the hostname from an origin URL or bare host.
func originHost(value string) string {
	if !strings.Contains(value, "://") {
		return strings.ToLower(stripHostPort(value))
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func stripHostPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func (c *clientConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *clientConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("JSON response encode failed",
			logging.Field{Key: "error", Value: err})
	}
}
