package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Frame is one JSON message exchanged over the chat socket, in either
// direction. Exactly one of the payload fields is populated, mirroring
// the teacher's ws.Message tagged-envelope shape.
type Frame struct {
	Type              string `json:"type"` // "mention", "subscribe", "update", "completion", "error"
	ExternalSessionID string `json:"external_session_id,omitempty"`
	Text              string `json:"text,omitempty"`
	AgentName         string `json:"agent_name,omitempty"`

	Update     json.RawMessage `json:"update,omitempty"`
	Completion string          `json:"completion,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// socketClient wraps one gorilla/websocket connection, grounded on the
// teacher's gateway/websocket.Client: a buffered send channel plus
// read/write pumps, so one slow peer can never block the hub.
type socketClient struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	sendCh   chan []byte
	watching map[string]bool

	mu     sync.Mutex
	closed bool
	log    *bridgelog.Logger

	onMention func(c *socketClient, f Frame)
}

func newSocketClient(id string, conn *websocket.Conn, hub *Hub, log *bridgelog.Logger, onMention func(*socketClient, Frame)) *socketClient {
	return &socketClient{
		id:        id,
		conn:      conn,
		hub:       hub,
		sendCh:    make(chan []byte, 256),
		watching:  make(map[string]bool),
		log:       log.WithFields(zap.String("client_id", id)),
		onMention: onMention,
	}
}

func (c *socketClient) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.Debug("chat socket read error", zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("dropping malformed chat frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case "subscribe":
			c.hub.Subscribe(c, f.ExternalSessionID)
		case "mention":
			go c.onMention(c, f)
		default:
			c.log.Debug("ignoring unrecognized chat frame type", zap.String("type", f.Type))
		}
	}
}

func (c *socketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *socketClient) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.sendCh <- data:
	default:
		c.log.Warn("chat client send buffer full, dropping frame")
	}
}

func (c *socketClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}
