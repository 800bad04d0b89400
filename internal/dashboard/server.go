// Package dashboard serves the daemon's local status endpoint and a
// WebSocket stream of watch activity.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"

	"github.com/mschirtzinger/filewatchd/internal/daemon"
	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

// DefaultAddr is the default listen address.
const DefaultAddr = "127.0.0.1:9475"

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus carries a full daemon status snapshot
	MessageTypeStatus MessageType = "status"

	// MessageTypeBatch indicates a change batch was flushed for a project
	MessageTypeBatch MessageType = "batch"

	// MessageTypeProject indicates a project was added, updated or removed
	MessageTypeProject MessageType = "project"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BatchData describes a flushed batch
type BatchData struct {
	ProjectID string   `json:"projectID"`
	Events    int      `json:"events"`
	Creates   int      `json:"creates"`
	Modifies  int      `json:"modifies"`
	Deletes   int      `json:"deletes"`
	Sample    []string `json:"sample,omitempty"`
}

// ProjectData describes a watch-list change
type ProjectData struct {
	ProjectID string `json:"projectID"`
	Action    string `json:"action"`
}

// StatusFunc returns the current daemon status.
type StatusFunc func() daemon.Status

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:9475)
	Addr string

	// Logger for server activity (default: log.Default())
	Logger *log.Logger
}

// Server manages WebSocket connections and serves status requests
type Server struct {
	addr     string
	status   StatusFunc
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

const sampleSize = 5

// NewServer creates a dashboard server reporting status.
func NewServer(status StatusFunc, config Config) *Server {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		status:    status,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.Component(config.Logger, "dashboard"),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Info("Dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", "err", err)
		}
	}()

	return nil
}

// Stop shuts the server down and closes every client.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	for _, conn := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
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

// BatchFlushed implements daemon.EventSink.
func (s *Server) BatchFlushed(projectID string, events []model.ChangeEvent) {
	data := BatchData{ProjectID: projectID, Events: len(events)}
	for _, e := range events {
		switch e.Type {
		case model.EventCreate:
			data.Creates++
		case model.EventModify:
			data.Modifies++
		case model.EventDelete:
			data.Deletes++
		}
		if len(data.Sample) < sampleSize {
			data.Sample = append(data.Sample, e.Path)
		}
	}
	s.publish(MessageTypeBatch, data)
}

// ProjectChanged implements daemon.EventSink.
func (s *Server) ProjectChanged(projectID, action string) {
	s.publish(MessageTypeProject, ProjectData{ProjectID: projectID, Action: action})
}

func (s *Server) publish(typ MessageType, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal message", "type", typ, "err", err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("Broadcast channel full, dropping message", "type", msg.Type)
	}
}

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
				s.logger.Error("Failed to marshal message", "err", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("Failed to send to client", "err", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "err", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("Client connected", "clients", count)

	// New clients start from a full snapshot.
	if raw, err := json.Marshal(s.status()); err == nil {
		welcome, _ := json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: raw})
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, welcome)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop detects disconnects; client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("Client disconnected", "clients", count)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Error("Failed to encode status", "err", err)
	}
}
