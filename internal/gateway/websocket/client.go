package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
	ws "github.com/trinity/trinity/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID            string
	Username      string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // agent names this client follows
	mu            sync.RWMutex
	logger        *logger.Logger
}

// NewClient creates a WebSocket client bound to the hub.
func NewClient(id, username string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		Username:      username,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection into the hub until the peer
// goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendMessage(ws.NewError("bad_request", "invalid message format"))
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ws.Message) {
	switch msg.Event {
	case ws.ActionSubscribeAgent:
		if agentName := c.subscriptionTarget(msg); agentName != "" {
			c.hub.SubscribeAgent(c, agentName)
		}
	case ws.ActionUnsubscribeAgent:
		if agentName := c.subscriptionTarget(msg); agentName != "" {
			c.hub.UnsubscribeAgent(c, agentName)
		}
	default:
		c.sendMessage(ws.NewError("unknown_action", "unsupported action: "+msg.Event))
	}
}

func (c *Client) subscriptionTarget(msg *ws.Message) string {
	var payload ws.SubscribePayload
	if err := msg.ParsePayload(&payload); err != nil || payload.AgentName == "" {
		c.sendMessage(ws.NewError("validation", "agent_name is required"))
		return ""
	}
	return payload.AgentName
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump pumps frames from the hub to the connection and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
