package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
)

// Client message types.
const (
	TypeSubscribe        = "subscribe"
	TypeSubscribed       = "subscribed"
	TypeApprovalDecision = "approval_decision"
	TypeApprovalResult   = "approval_result"
	TypeError            = "error"
)

// Decider resolves approvals submitted over the socket.
type Decider interface {
	Approve(ctx context.Context, approvalID, resolvedBy, comment string) (*domain.Resolution, error)
	Reject(ctx context.Context, approvalID, resolvedBy, comment string) (*domain.Resolution, error)
}

// ServerConfig tunes the websocket connection lifecycle.
type ServerConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	DecisionTimeout time.Duration
}

// ClientMessage is a message sent by an operator client.
type ClientMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Decision   string `json:"decision,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// Server upgrades HTTP requests and pumps messages between sockets and the hub.
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	decider  Decider
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a websocket server.
func NewServer(cfg ServerConfig, h *Hub, decider Decider, logger *logging.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 30 * time.Second
	}
	return &Server{
		cfg:     cfg,
		hub:     h,
		decider: decider,
		log:     logger.Sub("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request. principal is the authenticated user, or empty when auth is disabled;
// when set it is the approver of every decision sent on this connection.
func (s *Server) Handle(c echo.Context, sessionID, principal string) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	conn := s.hub.NewConnection(ws, sessionID, principal)
	if !s.hub.Register(conn) {
		ws.Close()
		return nil
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("websocket read failed")
			}
			return
		}
		s.handleMessage(conn, data)
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(conn *Connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, domain.CodeValidation, "invalid JSON message")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		s.hub.BindSession(conn, msg.SessionID)
		s.send(conn, domain.PushEvent{Type: TypeSubscribed, SessionID: conn.SessionID})
	case TypeApprovalDecision:
		s.handleApprovalDecision(conn, msg)
	default:
		s.sendError(conn, domain.CodeValidation, "unknown message type: "+msg.Type)
	}
}

func (s *Server) handleApprovalDecision(conn *Connection, msg ClientMessage) {
	if s.decider == nil {
		s.sendError(conn, domain.CodeInternal, "approval decisions are not accepted on this socket")
		return
	}
	if msg.ApprovalID == "" {
		s.sendError(conn, domain.CodeValidation, "approval_id is required")
		return
	}
	resolvedBy := msg.ResolvedBy
	if conn.UserID != "" {
		resolvedBy = conn.UserID
	}

	var decide func(ctx context.Context, approvalID, resolvedBy, comment string) (*domain.Resolution, error)
	switch strings.ToLower(msg.Decision) {
	case "approve", "approved":
		decide = s.decider.Approve
	case "reject", "rejected":
		decide = s.decider.Reject
	default:
		s.sendError(conn, domain.CodeValidation, "decision must be approve or reject")
		return
	}

	// Tool execution can take a while; keep reading other messages meanwhile.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DecisionTimeout)
		defer cancel()

		res, err := decide(ctx, msg.ApprovalID, resolvedBy, msg.Comment)
		if err != nil {
			s.log.Warn().Err(err).Str("approval_id", msg.ApprovalID).Msg("approval decision failed")
			s.sendError(conn, domain.CodeOf(err), err.Error())
			return
		}
		s.send(conn, domain.PushEvent{Type: TypeApprovalResult, SessionID: res.Approval.SessionID, Data: res})
	}()
}

func (s *Server) send(conn *Connection, ev domain.PushEvent) {
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	if err := s.hub.SendJSON(conn, ev); err != nil {
		s.log.Debug().Err(err).Str("conn_id", conn.ID).Str("type", ev.Type).Msg("failed to send to connection")
	}
}

func (s *Server) sendError(conn *Connection, code, message string) {
	s.send(conn, domain.PushEvent{
		Type: TypeError,
		Data: domain.ErrorPayload{Code: code, Message: message, Retryable: code == domain.CodePersistence},
	})
}
