package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
	"github.com/nextlevelbuilder/codexclaw/pkg/protocol"
)

const (
	busSubscriberID = "status"

	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Options configures a Server.
type Options struct {
	Addr           string
	Source         Source
	Logs           *LogBuffer
	Events         bus.EventPublisher // optional
	AllowedOrigins []string           // empty = any origin
}

// Server serves the status API and live feed.
type Server struct {
	addr           string
	source         Source
	logs           *LogBuffer
	events         bus.EventPublisher
	allowedOrigins []string
	startTime      time.Time
	now            func() time.Time

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	httpServer *http.Server
}

// NewServer creates a Server and subscribes it to bus events.
func NewServer(opts Options) *Server {
	if opts.Logs == nil {
		opts.Logs = NewLogBuffer(0)
	}
	s := &Server{
		addr:           opts.Addr,
		source:         opts.Source,
		logs:           opts.Logs,
		events:         opts.Events,
		allowedOrigins: opts.AllowedOrigins,
		startTime:      time.Now(),
		now:            time.Now,
		clients:        make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if s.events != nil {
		s.events.Subscribe(busSubscriberID, func(event bus.Event) {
			s.broadcast(protocol.NewEvent(event.Name, event.Payload))
		})
	}
	return s
}

// checkOrigin validates the WebSocket Origin header against allowedOrigins.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return collect(s.source, s.startTime, s.now())
}

// BuildMux creates the HTTP handler with all status routes.
func (s *Server) BuildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return withCORS(mux)
}

// Start listens on the configured address until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("status server starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Close detaches the server from the bus and disconnects feed clients.
func (s *Server) Close() {
	if s.events != nil {
		s.events.Unsubscribe(busSubscriberID)
	}
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*wsClient)
	s.mu.Unlock()
	for id, c := range clients {
		s.logs.Unlisten(id)
		c.close()
	}
}

// ClientCount returns the number of connected feed clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// --- HTTP handlers ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.Stats())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.logs.Entries())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("status: encode response", "error", err)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- WebSocket feed ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(uuid.NewString(), conn)
	s.registerClient(c)
	defer s.unregisterClient(c)

	c.enqueueFrame(protocol.NewEvent(protocol.EventHealth, s.Stats()))

	go c.writeLoop()
	c.readLoop()
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logs.Listen(c.id, func(e LogEntry) {
		c.enqueueFrame(protocol.NewEvent(protocol.EventLog, e))
	})
	slog.Info("status client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.logs.Unlisten(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close()
	slog.Info("status client disconnected", "id", c.id)
}

func (s *Server) broadcast(frame *protocol.EventFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.enqueue(data)
	}
}

// wsClient is one status feed subscriber. Slow clients lose frames rather
// than blocking the publisher.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(id string, conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   id,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsClient) enqueueFrame(frame *protocol.EventFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *wsClient) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

// readLoop drains client frames until the connection fails.
func (c *wsClient) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
