// Package dashboard provides a real-time WebSocket view of sync activity.
//
// The dashboard broadcasts per-scope sync status changes and record change
// events to connected WebSocket clients, so an operator can watch pulls,
// pushes, and auth suspensions as they happen.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/heardly/localsync/internal/bus"
	"github.com/heardly/localsync/internal/syncer"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSnapshot carries the full scope status board, sent on connect
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeScopeStatus indicates one scope's sync status changed
	MessageTypeScopeStatus MessageType = "scope_status"

	// MessageTypeChange indicates records changed locally or via sync
	MessageTypeChange MessageType = "change"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChangeData describes a record change event
type ChangeData struct {
	Table    string   `json:"table"`
	ScopeKey string   `json:"scope_key,omitempty"`
	IDs      []string `json:"ids"`
	Origin   string   `json:"origin"` // local, remote, sync
}

// SnapshotData carries the full status board
type SnapshotData struct {
	Scopes []syncer.ScopeStatus `json:"scopes"`
}

// Server manages WebSocket connections and broadcasts sync activity
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	board    *syncer.Board

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: localhost:7645)
	Addr string

	// Logger for server activity (default: process default logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   "localhost:7645",
		Logger: log.Default(),
	}
}

// NewServer creates a dashboard server over the shared status board.
// Call Attach to wire it to the change bus before Start.
func NewServer(board *syncer.Board, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      config.Addr,
		board:     board,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}

	board.Listen(func(status syncer.ScopeStatus) {
		data, err := json.Marshal(status)
		if err != nil {
			return
		}
		s.Broadcast(Message{Type: MessageTypeScopeStatus, Data: data})
	})

	return s
}

// Attach subscribes the dashboard to record change events on the bus.
// The returned token cancels the subscription.
func (s *Server) Attach(b *bus.Bus) bus.Token {
	return b.Subscribe(bus.Filter{}, func(ev bus.Event) {
		data, err := json.Marshal(ChangeData{
			Table:    ev.Table,
			ScopeKey: ev.ScopeKey,
			IDs:      ev.IDs,
			Origin:   originString(ev.Origin),
		})
		if err != nil {
			return
		}
		s.Broadcast(Message{Type: MessageTypeChange, Data: data})
	})
}

func originString(o bus.Origin) string {
	switch o {
	case bus.OriginLocal:
		return "local"
	case bus.OriginRemote:
		return "remote"
	case bus.OriginSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Dashboard stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop fans messages out to every connected client
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// stall broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// New clients get the current board state up front.
	if data, err := json.Marshal(SnapshotData{Scopes: s.board.Snapshot()}); err == nil {
		snapshot := Message{Type: MessageTypeSnapshot, Timestamp: time.Now(), Data: data}
		if raw, err := json.Marshal(snapshot); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, raw)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are not processed; reads only detect disconnects.
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleStatus returns the current scope status board as JSON
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SnapshotData{Scopes: s.board.Snapshot()})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Localsync Dashboard</title>
</head>
<body>
    <h1>Localsync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Scope status: <a href="/status">/status</a></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to watch sync activity in real time.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
