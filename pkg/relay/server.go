package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"marketfeed/internal/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Current number of relay websocket clients",
	})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rejected_connections_total",
		Help: "Total number of rejected relay connections",
	}, []string{"reason"})

	droppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dropped_messages_total",
		Help: "Total number of relay messages dropped",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(activeConnections, rejectedTotal, droppedMessages)
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Options configures connection admission
type Options struct {
	AllowedOrigins []string
	MaxConnections int
	RateLimit      float64 // new connections per second per IP
	RateBurst      int
	Production     bool // rejects the "*" origin
}

// Server accepts relay clients and, as a feed subscriber, broadcasts events to them
type Server struct {
	hub      *Hub
	addr     string
	opts     Options
	logger   core.ILogger
	upgrader websocket.Upgrader

	connSemaphore chan struct{}
	ipLimiters    sync.Map // ip -> *rate.Limiter

	mu      sync.Mutex
	srv     *http.Server
	boundTo string
	running bool
}

// NewServer creates a relay listening on addr once Run is called
func NewServer(addr string, opts Options, logger core.ILogger) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}

	s := &Server{
		hub:           NewHub(logger),
		addr:          addr,
		opts:          opts,
		logger:        logger.WithField("component", "relay"),
		connSemaphore: make(chan struct{}, opts.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub returns the broadcast hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Receive implements core.Subscriber. Events nobody listens to are not queued, and a
// saturated hub drops the event rather than stalling the dispatcher.
func (s *Server) Receive(topic string, ev core.Event) error {
	if s.hub.Audience(topic) == 0 {
		return nil
	}
	s.hub.Broadcast(NewEventMessage(topic, ev.Raw))
	return nil
}

func (s *Server) String() string {
	return "relay"
}

// Handler returns the relay's HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run serves clients until ctx is done
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.srv = srv
	s.boundTo = ln.Addr().String()
	s.running = true
	s.mu.Unlock()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(hubCtx)
	}()

	s.logger.Info("Relay listening", "addr", s.boundTo)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	}

	stopHub()
	<-hubDone
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("Relay stopped")
	return err
}

// Addr returns the bound address while running
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundTo
}

// HealthCheck reports an error unless the relay is serving
func (s *Server) HealthCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("relay not running")
	}
	return nil
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("Rejected connection without Origin", "remote_addr", r.RemoteAddr)
		rejectedTotal.WithLabelValues("missing_origin").Inc()
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected connection with invalid Origin", "origin", origin, "error", err)
		rejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" {
			if s.opts.Production {
				s.logger.Warn("Rejected wildcard origin in production mode", "origin", origin)
				rejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected connection from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	rejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// admission checks run before the upgrade allocates anything
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("IP rate limit exceeded", "ip", ip)
		rejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		defer func() { <-s.connSemaphore }()
	default:
		s.logger.Warn("Max connections reached", "max", s.opts.MaxConnections)
		rejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	topics := requestedTopics(r)
	client := NewClient(uuid.New().String(), topics...)
	if !s.hub.Register(r.Context(), client) {
		return
	}
	client.Send(newWelcomeMessage(client.id, topics))
	s.logger.Info("Client connected", "client_id", client.id, "remote_addr", r.RemoteAddr, "topics", topics)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	s.logger.Info("Client disconnected", "client_id", client.id)
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	// unblocks the read pump once writing stops
	defer conn.Close()

	for {
		select {
		case msg, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Write failed", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services pongs and close frames; clients do not send data
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Read failed", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if l, ok := s.ipLimiters.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	l, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst))
	return l.(*rate.Limiter)
}

// requestedTopics reads ?topic=a&topic=b or ?topic=a,b
func requestedTopics(r *http.Request) []string {
	var topics []string
	for _, v := range r.URL.Query()["topic"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	return topics
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
