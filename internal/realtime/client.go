package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventHandler processes one inbound message from a connection.
type EventHandler func(ctx context.Context, c *Client, msg WSMessage)

// TokenValidator resolves a teacher capability token to a teacher id.
type TokenValidator func(token string) (teacherID string, err error)

// Client represents a single WebSocket connection.
type Client struct {
	ID string

	teacherID string // set when the connection presented a valid teacher token
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

// NewClient creates a connection bound to hub. conn may be nil for an in-process client.
func NewClient(hub *Hub, conn *websocket.Conn, teacherID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ID:        uuid.New().String(),
		teacherID: teacherID,
		hub:       hub,
		conn:      conn,
		send:      make(chan WSMessage, sendBuffer),
		logger:    logger,
		channels:  make(map[string]struct{}),
	}
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
// A valid "token" query parameter marks the connection as the teacher's.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, handle EventHandler) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		var teacherID string
		if token := c.Query("token"); token != "" {
			id, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			teacherID = id
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(hub, conn, teacherID, logger)
		logger.Debug("client connected", zap.String("client_id", client.ID), zap.Bool("teacher", teacherID != ""))
		go client.writePump()
		client.readPump(handle)
	}
}

// TeacherID returns the authenticated teacher id, or "" for a student connection.
func (c *Client) TeacherID() string { return c.teacherID }

// ConnID returns the connection id.
func (c *Client) ConnID() string { return c.ID }

// Join subscribes the connection to channel.
func (c *Client) Join(channel string) { c.hub.Subscribe(c, channel) }

// Leave unsubscribes the connection from channel.
func (c *Client) Leave(channel string) { c.hub.Unsubscribe(c, channel) }

// Emit sends an event to this connection only.
func (c *Client) Emit(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(WSMessage{Event: event, Data: data})
}

// Messages exposes the outbound queue for in-process consumers.
func (c *Client) Messages() <-chan WSMessage { return c.send }

func (c *Client) enqueue(msg WSMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) addChannel(channel string) {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeChannel(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// InChannel reports whether the connection has joined channel.
func (c *Client) InChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *Client) joinedChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Close leaves every channel and stops the write pump.
func (c *Client) Close() {
	c.hub.Unregister(c)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(handle EventHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.String("client_id", c.ID), zap.Error(err))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		handle(ctx, c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
