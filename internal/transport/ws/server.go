// Package ws provides WebSocket server functionality for client connections.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/logger"
	"github.com/xiaot623/gogo/internal/protocol"
	"github.com/xiaot623/gogo/internal/service"
)

// Coordinator is the run coordination surface driven by client messages.
type Coordinator interface {
	SubmitUserMessage(ctx context.Context, req *domain.StartRunRequest) (*domain.ControlAck, error)
	RequestStop(ctx context.Context, cmd *domain.StopCommand) (*domain.ControlAck, error)
	HandleEditResend(ctx context.Context, cmd *domain.EditResendCommand) (*domain.ControlAck, error)
	Resume(ctx context.Context, req *domain.ResumeRequest, replay service.ReplayFunc) (*domain.ResumeResult, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	registry *hub.Registry
	coord    Coordinator
	limiter  *rateLimiter
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, registry *hub.Registry, coord Coordinator) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		coord:    coord,
		limiter:  newRateLimiter(cfg.ControlRatePerSec, cfg.ControlBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Register mounts the WebSocket route.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := hub.NewConnection(ws, s.cfg.SendBuffer)
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		if sid := conn.SessionID(); sid != "" && s.registry.Release(sid, conn) {
			s.limiter.Forget(sid)
			slog.Debug("session channel released", "session_id", sid, "connection_id", conn.ID)
		}
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Info("websocket read error", "connection_id", conn.ID, "error", err)
			}
			return
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("failed to write message", "connection_id", conn.ID, "error", err)
				return
			}

		case <-conn.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if base.Type == protocol.TypeHello {
		s.handleHello(conn, data)
		return
	}

	sessionID := conn.SessionID()
	if sessionID == "" {
		s.sendError(conn, base.RequestID, protocol.ErrorCodeSessionRequired, "must send hello first")
		return
	}
	ctx := logger.WithSession(context.Background(), sessionID)

	switch base.Type {
	case protocol.TypeUserMessage, protocol.TypeStop, protocol.TypeEditResend:
		if !s.limiter.Allow(sessionID) {
			s.sendError(conn, base.RequestID, protocol.ErrorCodeRateLimited, "too many commands, slow down")
			return
		}
	}

	switch base.Type {
	case protocol.TypeUserMessage:
		s.handleUserMessage(ctx, conn, sessionID, data)
	case protocol.TypeStop:
		s.handleStop(ctx, conn, sessionID, data)
	case protocol.TypeEditResend:
		// Edit-and-resend may wait for a live run to wind down.
		go s.handleEditResend(ctx, conn, sessionID, data)
	case protocol.TypeResume:
		s.handleResume(ctx, conn, sessionID, data)
	default:
		s.sendError(conn, base.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello handles the hello handshake message.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}

	if prev := conn.SessionID(); prev != "" && prev != sessionID {
		s.registry.Release(prev, conn)
	}
	conn.BindSession(sessionID)
	s.registry.Connect(sessionID, conn)

	ack := protocol.HelloAckMessage{BaseMessage: protocol.NewBase(protocol.TypeHelloAck, sessionID)}
	ack.RequestID = msg.RequestID
	s.sendJSON(conn, ack)

	slog.Info("hello handshake completed", "session_id", sessionID, "connection_id", conn.ID)
}

func (s *Server) handleUserMessage(ctx context.Context, conn *hub.Connection, sessionID string, data []byte) {
	var msg protocol.UserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid user_message")
		return
	}

	ack, err := s.coord.SubmitUserMessage(ctx, &domain.StartRunRequest{
		SessionID: sessionID,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		CommandID: msg.CommandID,
	})
	if err != nil {
		logger.From(ctx).Error("user message failed", "error", err)
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeInternalError, "failed to start run")
		return
	}
	s.sendJSON(conn, protocol.NewAck(protocol.TypeUserMessageAck, sessionID, msg.RequestID, ack))
}

func (s *Server) handleStop(ctx context.Context, conn *hub.Connection, sessionID string, data []byte) {
	var msg protocol.StopMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid control.stop message")
		return
	}

	ack, err := s.coord.RequestStop(ctx, &domain.StopCommand{
		SessionID: sessionID,
		CommandID: msg.CommandID,
		RunID:     msg.RunID,
		Reason:    msg.Reason,
		Scope:     msg.Scope,
	})
	if err != nil {
		logger.From(ctx).Error("stop failed", "command_id", msg.CommandID, "error", err)
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeInternalError, "failed to process stop")
		return
	}
	s.sendJSON(conn, protocol.NewAck(protocol.TypeControlAck, sessionID, msg.RequestID, ack))
}

func (s *Server) handleEditResend(ctx context.Context, conn *hub.Connection, sessionID string, data []byte) {
	var msg protocol.EditResendMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid control.edit_resend message")
		return
	}

	ack, err := s.coord.HandleEditResend(ctx, &domain.EditResendCommand{
		SessionID:       sessionID,
		CommandID:       msg.CommandID,
		TargetMessageID: msg.TargetMessageID,
		NewContent:      msg.NewContent,
		Reason:          msg.Reason,
	})
	if err != nil {
		logger.From(ctx).Error("edit-and-resend failed", "command_id", msg.CommandID, "error", err)
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeInternalError, "failed to process edit_resend")
		return
	}
	s.sendJSON(conn, protocol.NewAck(protocol.TypeControlAck, sessionID, msg.RequestID, ack))
}

func (s *Server) handleResume(ctx context.Context, conn *hub.Connection, sessionID string, data []byte) {
	var msg protocol.ResumeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid resume message")
		return
	}

	res, err := s.coord.Resume(ctx, &domain.ResumeRequest{
		SessionID: sessionID,
		RunID:     msg.RunID,
		LastSeq:   msg.LastSeq,
	}, func(ev domain.EventRecord) error {
		return conn.DeliverWait(ev.Payload, s.cfg.WriteTimeout)
	})
	if err != nil {
		logger.From(ctx).Error("resume failed", "error", err)
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeInternalError, "failed to resume")
		return
	}
	s.sendJSON(conn, protocol.NewResumeStatus(sessionID, msg.RequestID, res))
}

// sendJSON queues v on this connection only.
func (s *Server) sendJSON(conn *hub.Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal message", "error", err)
		return
	}
	if err := conn.DeliverWait(data, s.cfg.WriteTimeout); err != nil {
		slog.Debug("failed to queue message", "connection_id", conn.ID, "error", err)
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeError, conn.SessionID()),
		Code:        code,
		Message:     message,
	}
	errMsg.RequestID = requestID
	s.sendJSON(conn, errMsg)
}
