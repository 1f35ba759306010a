// ABOUTME: WebSocket endpoint: per-connection read loop and JSON frame dispatch
// ABOUTME: Sends are serialized and deadline-bounded so a stalled peer cannot wedge fan-out

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaydesk/relayd/internal/message"
	"github.com/relaydesk/relayd/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy belongs to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the JSON envelope exchanged over a WebSocket connection.
// Inbound types: subscribe_session, unsubscribe_session, send_message.
// Outbound types: subscription_confirmed, new_message, error.
type Frame struct {
	Type        string             `json:"type"`
	SessionID   string             `json:"session_id,omitempty"`
	Content     string             `json:"content,omitempty"`
	MessageType string             `json:"message_type,omitempty"`
	SenderType  string             `json:"sender_type,omitempty"`
	SenderID    string             `json:"sender_id,omitempty"`
	SenderName  string             `json:"sender_name,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	Message     *MessageResponse   `json:"message,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// wsSender adapts a gorilla connection to the registry's Sender. gorilla
// permits one concurrent writer, so the mutex serializes broadcast sends
// with direct replies.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSender) sendFrame(ctx context.Context, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.Send(ctx, payload)
}

// handleWebSocket upgrades the connection, registers it, and runs the read
// loop until the client goes away. All registry state for the connection is
// released on exit.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID, err := g.resolver.Resolve(r)
	if err != nil {
		g.writeError(w, err)
		return
	}

	connID := r.URL.Query().Get("connection_id")
	if connID == "" {
		connID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sender := &wsSender{conn: conn}
	g.registry.Connect(tenantID, connID, sender)
	g.logger.Info("websocket connected", "tenant_id", tenantID, "conn_id", connID)

	defer func() {
		g.registry.Disconnect(tenantID, connID)
		conn.Close()
		g.logger.Info("websocket disconnected", "tenant_id", tenantID, "conn_id", connID)
	}()

	ctx := r.Context()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("websocket read error", "conn_id", connID, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			sender.sendFrame(ctx, Frame{Type: "error", Error: "invalid frame"})
			continue
		}

		g.dispatchFrame(ctx, tenantID, connID, sender, frame)
	}
}

func (g *Gateway) dispatchFrame(ctx context.Context, tenantID, connID string, sender *wsSender, frame Frame) {
	switch frame.Type {
	case "subscribe_session":
		ok, err := g.registry.Subscribe(ctx, tenantID, connID, frame.SessionID)
		if err != nil {
			g.logger.Error("subscribe failed", "conn_id", connID, "error", err)
			sender.sendFrame(ctx, Frame{Type: "error", SessionID: frame.SessionID, Error: "internal error"})
			return
		}
		if !ok {
			sender.sendFrame(ctx, Frame{Type: "error", SessionID: frame.SessionID, Error: "subscription denied"})
			return
		}
		sender.sendFrame(ctx, Frame{Type: "subscription_confirmed", SessionID: frame.SessionID})

	case "unsubscribe_session":
		g.registry.Unsubscribe(tenantID, connID, frame.SessionID)

	case "send_message":
		draft := message.Draft{
			SessionID:   frame.SessionID,
			Content:     frame.Content,
			Type:        store.MessageType(frame.MessageType),
			SenderType:  store.SenderType(frame.SenderType),
			SenderID:    frame.SenderID,
			SenderName:  frame.SenderName,
			Attachments: frame.Attachments,
		}
		if draft.SenderType == "" {
			draft.SenderType = store.SenderStaff
		}
		// The message service notifies the registry, which echoes the stored
		// message back to this connection if it subscribes to the session.
		if _, err := g.messages.Append(ctx, tenantID, draft); err != nil {
			sender.sendFrame(ctx, Frame{Type: "error", SessionID: frame.SessionID, Error: userFacing(err)})
		}

	default:
		sender.sendFrame(ctx, Frame{Type: "error", Error: "unknown frame type"})
	}
}

// userFacing keeps internal failure detail out of client frames.
func userFacing(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "session not found"
	case errors.Is(err, store.ErrValidation):
		return err.Error()
	default:
		return "internal error"
	}
}

// Broadcaster pushes stored messages to live session subscribers. It
// implements message.Notifier so the message service stays transport-free.
type Broadcaster struct {
	Registry interface {
		BroadcastToSession(ctx context.Context, sessionID string, payload []byte) int
	}
}

// NotifyNewMessage fans a stored message out to the session's subscribers.
func (b *Broadcaster) NotifyNewMessage(ctx context.Context, msg *store.Message) {
	resp := messageToResponse(msg)
	payload, err := json.Marshal(Frame{
		Type:      "new_message",
		SessionID: msg.SessionID,
		Message:   &resp,
	})
	if err != nil {
		return
	}
	b.Registry.BroadcastToSession(ctx, msg.SessionID, payload)
}
