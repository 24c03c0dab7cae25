// Package ws streams live map updates to WebSocket clients. Every bus
// event is serialized once and fanned out; new clients first receive a
// bounded replay of recent messages so the map is populated before the
// live stream begins.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshforge/maps/internal/bus"
	"github.com/meshforge/maps/internal/metrics"
)

const (
	// DefaultHistorySize bounds the replay buffer sent to new clients.
	DefaultHistorySize = 50

	// portFallbackAttempts is how many consecutive ports are tried when
	// the preferred one is taken.
	portFallbackAttempts = 4

	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	maxMessageSize = 4096

	// sendBuffer must hold a full history replay plus stream headroom.
	sendBuffer = 2 * DefaultHistorySize
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server is the WebSocket broadcast hub.
type Server struct {
	host        string
	basePort    int
	historySize int
	monitor     *metrics.Monitor
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	listener    net.Listener

	mu               sync.Mutex
	clients          map[string]*client
	history          deque.Deque[[]byte]
	totalConnections uint64
	broadcasts       uint64
	messagesSent     uint64
	dropped          uint64

	// Port is the port actually bound, set by Start.
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithHistorySize overrides the replay buffer bound.
func WithHistorySize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithMonitor wires the perf monitor's connected-clients gauge.
func WithMonitor(m *metrics.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// NewServer creates the hub. It does not listen until Start is called.
func NewServer(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:        host,
		basePort:    port,
		historySize: DefaultHistorySize,
		clients:     make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkLocalOrigin,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpServer = &http.Server{Handler: mux}
	return s
}

// checkLocalOrigin admits browser connections only from localhost
// origins. Requests without an Origin header (non-browser clients)
// are admitted.
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Start binds and begins serving in a background goroutine, trying a
// few consecutive ports when the preferred one is taken. Returns the
// bound port.
func (s *Server) Start() (int, error) {
	var lastErr error
	for i := 0; i <= portFallbackAttempts; i++ {
		port := s.basePort + i
		ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			log.Printf("[ws] port %d unavailable: %v", port, err)
			continue
		}
		if i > 0 {
			log.Printf("[ws] preferred port %d taken, using %d", s.basePort, port)
		}
		s.listener = ln
		s.Port = port
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("[ws] server stopped: %v", err)
			}
		}()
		return port, nil
	}
	return 0, fmt.Errorf("no available port in %d-%d: %w", s.basePort, s.basePort+portFallbackAttempts, lastErr)
}

// Shutdown stops accepting connections and closes every client.
// Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for id, c := range s.clients {
		close(c.send)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	s.syncClientGauge()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	// Queue the replay and register inside one critical section so a
	// concurrent Broadcast lands either in the replay or in the live
	// stream, never both and never neither.
	s.mu.Lock()
	for i := 0; i < s.history.Len(); i++ {
		select {
		case c.send <- s.history.At(i):
		default:
		}
	}
	s.clients[c.id] = c
	s.totalConnections++
	s.mu.Unlock()
	s.syncClientGauge()
	log.Printf("[ws] client %s connected from %s", c.id, r.RemoteAddr)

	go s.writePump(c)
	go s.readPump(c)
}

// Broadcast appends to the replay buffer and schedules delivery to
// every connected client. Clients with a full send queue lose the
// message rather than blocking the hub.
func (s *Server) Broadcast(message []byte) {
	s.mu.Lock()
	s.history.PushBack(message)
	for s.history.Len() > s.historySize {
		s.history.PopFront()
	}
	s.broadcasts++
	for _, c := range s.clients {
		select {
		case c.send <- message:
		default:
			s.dropped++
		}
	}
	s.mu.Unlock()
}

// BroadcastJSON marshals v and broadcasts it.
func (s *Server) BroadcastJSON(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ws] broadcast marshal failed: %v", err)
		return
	}
	s.Broadcast(raw)
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			s.removeClient(c)
			return
		}
		s.mu.Lock()
		s.messagesSent++
		s.mu.Unlock()
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.removeClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg struct {
			Type string `json:"type"`
		}
		// Malformed or unknown messages are dropped without a reply.
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			s.reply(c, map[string]any{
				"type":      "pong",
				"timestamp": float64(time.Now().UnixMilli()) / 1000,
			})
		case "get_history":
			s.mu.Lock()
			messages := make([]json.RawMessage, 0, s.history.Len())
			for i := 0; i < s.history.Len(); i++ {
				messages = append(messages, json.RawMessage(s.history.At(i)))
			}
			s.mu.Unlock()
			s.reply(c, map[string]any{
				"type":     "history",
				"messages": messages,
				"count":    len(messages),
			})
		case "get_stats":
			stats := s.Stats()
			stats["type"] = "stats"
			s.reply(c, stats)
		}
	}
}

func (s *Server) reply(c *client, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
		log.Printf("[ws] client %s disconnected", c.id)
	}
	s.mu.Unlock()
	s.syncClientGauge()
}

func (s *Server) syncClientGauge() {
	if s.monitor == nil {
		return
	}
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	s.monitor.SetWSClients(n)
}

// Stats reports hub counters for /api/status.
func (s *Server) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"clients":           len(s.clients),
		"total_connections": s.totalConnections,
		"broadcasts":        s.broadcasts,
		"messages_sent":     s.messagesSent,
		"messages_dropped":  s.dropped,
		"history_size":      s.history.Len(),
		"port":              s.Port,
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// BridgeTo subscribes the hub to every bus event and broadcasts each
// one as {type, timestamp, source, [node_id, lat, lon], data}.
// Returns the subscription id.
func (s *Server) BridgeTo(events *bus.Bus) (uint64, error) {
	return events.Subscribe(bus.Wildcard, func(ev bus.Event) {
		payload := map[string]any{
			"type":      ev.Type,
			"timestamp": float64(ev.Timestamp.UnixMilli()) / 1000,
			"source":    ev.Source,
			"data":      ev.Data,
		}
		for _, key := range []string{"node_id", "lat", "lon"} {
			if v, ok := ev.Data[key]; ok {
				payload[key] = v
			}
		}
		s.BroadcastJSON(payload)
	})
}
