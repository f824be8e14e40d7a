// Package hub pushes approval and session events to connected operator websockets.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
)

// AllSessions subscribes a connection to every session.
const AllSessions = "*"

var (
	// ErrBufferFull is returned when a connection's send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrClosed is returned when sending to an unregistered connection.
	ErrClosed = errors.New("connection closed")
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID        string
	SessionID string
	UserID    string
	Conn      *websocket.Conn
	Send      chan []byte
	mu        sync.Mutex
}

// Hub manages all WebSocket connections.
type Hub struct {
	connections map[string]*Connection
	// sessions maps session_id (or AllSessions) to connection IDs
	sessions map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *sessionMessage
	done       chan struct{}

	log *logging.Logger
	now func() time.Time
	mu  sync.RWMutex
}

type sessionMessage struct {
	SessionID string
	Data      []byte
}

// New creates a hub. Call Run to start delivering.
func New(logger *logging.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *sessionMessage, 256),
		done:        make(chan struct{}),
		log:         logger.Sub("hub"),
		now:         time.Now,
	}
}

// Run delivers registrations and broadcasts until ctx is done. Remaining connections are closed on exit.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, conn := range h.connections {
				close(conn.Send)
				delete(h.connections, id)
			}
			h.sessions = make(map[string]map[string]bool)
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.bindLocked(conn, conn.SessionID)
			h.mu.Unlock()
			h.log.Debug().Str("conn_id", conn.ID).Str("session_id", conn.SessionID).Msg("connection registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				h.unbindLocked(conn)
				close(conn.Send)
			}
			h.mu.Unlock()
			h.log.Debug().Str("conn_id", conn.ID).Msg("connection unregistered")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *sessionMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make(map[string]bool, len(h.sessions[msg.SessionID])+len(h.sessions[AllSessions]))
	for id := range h.sessions[msg.SessionID] {
		targets[id] = true
	}
	for id := range h.sessions[AllSessions] {
		targets[id] = true
	}
	for id := range targets {
		conn, ok := h.connections[id]
		if !ok {
			continue
		}
		select {
		case conn.Send <- msg.Data:
		default:
			h.log.Warn().Str("conn_id", id).Msg("connection buffer full, closing")
			go h.Unregister(conn)
		}
	}
}

// NewConnection creates a connection subscribed to sessionID. An empty id subscribes to all sessions.
func (h *Hub) NewConnection(ws *websocket.Conn, sessionID, userID string) *Connection {
	if sessionID == "" {
		sessionID = AllSessions
	}
	return &Connection{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Conn:      ws,
		Send:      make(chan []byte, 256),
	}
}

// Register registers a connection with the hub. It reports false once the hub has stopped.
func (h *Hub) Register(conn *Connection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// BindSession moves a connection to another session subscription.
func (h *Hub) BindSession(conn *Connection, sessionID string) {
	if sessionID == "" {
		sessionID = AllSessions
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(conn)
	h.bindLocked(conn, sessionID)
}

func (h *Hub) bindLocked(conn *Connection, sessionID string) {
	conn.SessionID = sessionID
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][conn.ID] = true
}

func (h *Hub) unbindLocked(conn *Connection) {
	ids := h.sessions[conn.SessionID]
	if ids == nil {
		return
	}
	delete(ids, conn.ID)
	if len(ids) == 0 {
		delete(h.sessions, conn.SessionID)
	}
}

// Publish sends ev to every connection subscribed to its session or to all sessions.
// Events are dropped when the hub is saturated; the push channel is best effort.
func (h *Hub) Publish(ev domain.PushEvent) {
	if ev.Ts == 0 {
		ev.Ts = h.now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode push event")
		return
	}
	select {
	case h.broadcast <- &sessionMessage{SessionID: ev.SessionID, Data: data}:
	default:
		h.log.Warn().Str("type", ev.Type).Str("session_id", ev.SessionID).Msg("push queue full, dropping event")
	}
}

// SendJSON sends v to one connection.
func (h *Hub) SendJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// Send is closed under the write lock, so holding the read lock keeps it open.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return ErrClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasSubscribers reports whether any connection receives events of sessionID.
func (h *Hub) HasSubscribers(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID]) > 0 || len(h.sessions[AllSessions]) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
