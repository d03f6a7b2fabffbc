package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/internal/protocol"
)

// Client is a WebSocket client for the run coordinator.
type Client struct {
	conn      *websocket.Conn
	sessionID string

	mu      sync.Mutex
	runID   string
	lastSeq int64
}

// streamFrame holds the fields of a run stream event the client tracks.
type streamFrame struct {
	protocol.BaseMessage
	Seq     int64  `json:"seq"`
	Delta   string `json:"delta"`
	Content string `json:"content"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

// Dial connects to the server.
func Dial(addr string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Hello binds the connection to a session and waits for hello_ack.
func (c *Client) Hello(sessionID, apiKey string) error {
	msg := protocol.HelloMessage{
		BaseMessage: protocol.NewBase(protocol.TypeHello, sessionID),
		APIKey:      apiKey,
		ClientMeta:  map[string]string{"client": "gogo-cli"},
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if frame.Type == protocol.TypeError {
		return fmt.Errorf("hello failed: %s - %s", frame.Code, frame.Message)
	}
	if frame.Type != protocol.TypeHelloAck {
		return fmt.Errorf("expected hello_ack, got: %s", frame.Type)
	}

	c.sessionID = frame.SessionID
	return nil
}

// SessionID returns the bound session.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Position returns the run and seq of the last event seen.
func (c *Client) Position() (string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID, c.lastSeq
}

func (c *Client) base(msgType string) protocol.BaseMessage {
	base := protocol.NewBase(msgType, c.sessionID)
	base.RequestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	return base
}

func newCommandID() string {
	return "cmd_" + uuid.New().String()[:8]
}

// SendUserMessage starts a turn.
func (c *Client) SendUserMessage(content string) error {
	return c.conn.WriteJSON(protocol.UserMessage{
		BaseMessage: c.base(protocol.TypeUserMessage),
		CommandID:   newCommandID(),
		Content:     content,
	})
}

// SendStop asks the server to stop the live run.
func (c *Client) SendStop(reason string) error {
	return c.conn.WriteJSON(protocol.StopMessage{
		BaseMessage: c.base(protocol.TypeStop),
		CommandID:   newCommandID(),
		Reason:      reason,
	})
}

// SendEditResend replaces a user message and reruns from it.
func (c *Client) SendEditResend(targetID, content string) error {
	return c.conn.WriteJSON(protocol.EditResendMessage{
		BaseMessage:     c.base(protocol.TypeEditResend),
		CommandID:       newCommandID(),
		TargetMessageID: targetID,
		NewContent:      content,
	})
}

// SendResume requests the events after lastSeq.
func (c *Client) SendResume(runID string, lastSeq int64) error {
	base := c.base(protocol.TypeResume)
	base.RunID = runID
	return c.conn.WriteJSON(protocol.ResumeMessage{BaseMessage: base, LastSeq: lastSeq})
}

// ReadLoop prints frames until the connection closes. Duplicate or stale
// sequenced events are skipped so a resume after a live stream is safe.
func (c *Client) ReadLoop(handle func(frame streamFrame, raw []byte)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Seq > 0 && !c.track(frame) {
			continue
		}
		handle(frame, data)
	}
}

func (c *Client) track(frame streamFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if frame.RunID != c.runID {
		c.runID = frame.RunID
		c.lastSeq = 0
	}
	if frame.Seq <= c.lastSeq {
		return false
	}
	c.lastSeq = frame.Seq
	return true
}
