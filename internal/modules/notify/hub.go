// README: WebSocket hub keeping live connections per user for offers and countdowns.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rideflow/internal/types"
)

const (
	authTimeout    = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

var ErrNotConnected = errors.New("user has no live connection")

// AuthFunc resolves the token a client sends as its first frame.
type AuthFunc func(ctx context.Context, token string) (userID types.ID, role string, err error)

// InboundHandler receives typed frames sent by authenticated clients.
type InboundHandler func(ctx context.Context, c *Client, msgType string, data json.RawMessage) error

type Client struct {
	ID     string
	UserID types.ID
	Role   string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	auth     AuthFunc
	inbound  InboundHandler
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewHub(auth AuthFunc, log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.Named("notify.ws"),
	}
}

func (h *Hub) SetInboundHandler(fn InboundHandler) {
	h.inbound = fn
}

// Send implements Delivery for every connection the user holds.
func (h *Hub) Send(_ context.Context, userID types.ID, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := false
	for _, c := range h.clients {
		if c.UserID != userID {
			continue
		}
		select {
		case c.send <- payload:
			sent = true
		default:
			h.log.Warn("ws send buffer full", zap.String("user_id", userID.String()), zap.String("client_id", c.ID))
		}
	}
	if !sent {
		return ErrNotConnected
	}
	return nil
}

func (h *Hub) Connected(userID types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and waits for an auth frame {"token": "..."}.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	var authMsg struct {
		Token string `json:"token"`
	}
	if err := conn.ReadJSON(&authMsg); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth timeout"))
		_ = conn.Close()
		return
	}
	userID, role, err := h.auth(r.Context(), authMsg.Token)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "invalid token"})
		_ = conn.Close()
		h.log.Info("ws auth rejected", zap.Error(err))
		return
	}

	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.log.Info("ws client registered", zap.String("client_id", c.ID), zap.String("user_id", userID.String()), zap.String("role", role))

	_ = conn.WriteJSON(map[string]string{"status": "authenticated", "user_id": userID.String()})

	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		var frame struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data,omitempty"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.hub.log.Debug("ws frame ignored", zap.String("client_id", c.ID), zap.Error(err))
			continue
		}
		if c.hub.inbound == nil {
			continue
		}
		if err := c.hub.inbound(context.Background(), c, frame.Type, frame.Data); err != nil {
			c.hub.log.Info("ws frame rejected",
				zap.String("client_id", c.ID),
				zap.String("type", frame.Type),
				zap.Error(err),
			)
			c.Reply(Message{Type: "error", Title: frame.Type, Message: err.Error()})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Reply queues a message for this connection only.
func (c *Client) Reply(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
