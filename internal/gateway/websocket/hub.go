// Package websocket is the push channel for activity and queue events.
// Clients subscribe per agent; unsubscribed clients receive nothing.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events/bus"
	ws "github.com/trinity/trinity/pkg/websocket"
)

// Hub manages all WebSocket client connections and their agent
// subscriptions.
type Hub struct {
	clients          map[*Client]bool
	agentSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *routedMessage

	subs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// routedMessage pairs a frame with the agent it concerns. An empty agent
// name broadcasts to every client.
type routedMessage struct {
	agentName string
	msg       *ws.Message
}

// NewHub creates the hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		agentSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *routedMessage, 256),
		logger:           log.WithFields(zap.String("component", "ws-hub")),
	}
}

// AttachBus bridges control-plane events into the push channel. Activity
// events carry the agent name in their data and are routed to that agent's
// subscribers only.
func (h *Hub) AttachBus(eventBus bus.EventBus) error {
	for _, subject := range []string{bus.SubjectActivity, bus.SubjectQueue} {
		sub, err := eventBus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			h.routeEvent(event)
			return nil
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

func (h *Hub) routeEvent(event *bus.Event) {
	agentName, _ := event.Data["agent_name"].(string)
	msg, err := ws.NewNotification(event.Type, event.Data)
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &routedMessage{agentName: agentName, msg: msg}:
	default:
		h.logger.Warn("push channel backed up, dropping event", zap.String("event", event.Type))
	}
}

// Run is the hub's main loop. It owns the client set; Stop it by
// cancelling the context.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			for _, sub := range h.subs {
				sub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case routed := <-h.broadcast:
			h.deliver(routed)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.agentSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for agentName := range client.subscriptions {
			if clients, ok := h.agentSubscribers[agentName]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.agentSubscribers, agentName)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) deliver(routed *routedMessage) {
	data, err := json.Marshal(routed.msg)
	if err != nil {
		h.logger.Error("marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if routed.agentName != "" {
		targets = h.agentSubscribers[routed.agentName]
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will clean the client up.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast pushes a frame to every connected client.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- &routedMessage{msg: msg}
}

// SubscribeAgent subscribes a client to one agent's events.
func (h *Hub) SubscribeAgent(client *Client, agentName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.agentSubscribers[agentName]; !ok {
		h.agentSubscribers[agentName] = make(map[*Client]bool)
	}
	h.agentSubscribers[agentName][client] = true
	client.subscriptions[agentName] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("agent", agentName))
}

// UnsubscribeAgent drops a client's subscription to one agent.
func (h *Hub) UnsubscribeAgent(client *Client, agentName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, agentName)
	if clients, ok := h.agentSubscribers[agentName]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.agentSubscribers, agentName)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
