// Package dashboard provides a real-time WebSocket server for
// monitoring the sync engine.
//
// The server broadcasts sync lifecycle events, pending-mutation counts,
// and connectivity transitions to connected WebSocket clients, so an
// operations screen can watch a fleet of field devices reconcile.
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

	syncpkg "github.com/conforma/fieldsync/internal/sync"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeSyncStarted indicates a queue drain began.
	MessageTypeSyncStarted MessageType = "sync_started"

	// MessageTypeSyncComplete indicates a queue drain finished.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypePendingCount carries the current pending-mutation count.
	MessageTypePendingCount MessageType = "pending_count"

	// MessageTypeConnectivity indicates the online state flipped.
	MessageTypeConnectivity MessageType = "connectivity"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncCompleteData contains the aggregate drain outcome.
type SyncCompleteData struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// PendingCountData contains the pending-mutation count.
type PendingCountData struct {
	Pending int `json:"pending"`
}

// ConnectivityData contains the new online state.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// Server manages WebSocket connections and broadcasts status messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8770).
	Port int

	// Logger for server activity (default: log.Default()).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8770,
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

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
		s.logger.Printf("Dashboard server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

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
	return nil
}

// Events returns sync orchestrator callbacks wired to this server.
func (s *Server) Events() syncpkg.Events {
	return syncpkg.Events{
		SyncStarted: func() {
			s.Broadcast(Message{Type: MessageTypeSyncStarted})
		},
		SyncFinished: func(result syncpkg.Result) {
			data, _ := json.Marshal(SyncCompleteData{Synced: result.Synced, Failed: result.Failed})
			s.Broadcast(Message{Type: MessageTypeSyncComplete, Data: data})
		},
	}
}

// PublishPendingCount broadcasts the current pending-mutation count.
// Matches the sync.PendingCounter publish signature.
func (s *Server) PublishPendingCount(count int) {
	data, _ := json.Marshal(PendingCountData{Pending: count})
	s.Broadcast(Message{Type: MessageTypePendingCount, Data: data})
}

// PublishConnectivity broadcasts an online-state transition. Matches the
// connectivity.Listener signature.
func (s *Server) PublishConnectivity(online bool) {
	data, _ := json.Marshal(ConnectivityData{Online: online})
	s.Broadcast(Message{Type: MessageTypeConnectivity, Data: data})
}

// Broadcast sends a message to all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message delivery to all clients.
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

// handleWebSocket upgrades HTTP connections to WebSocket.
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

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and handles client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection.
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

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
