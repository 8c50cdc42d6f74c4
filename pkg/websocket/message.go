// Package websocket defines the wire format for the activity fan-out channel.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType tags the kind of envelope on the wire.
type MessageType string

const (
	MessageTypeNotification MessageType = "notification"
	MessageTypeRequest      MessageType = "request"
	MessageTypeError        MessageType = "error"
)

// Event names pushed by the control plane. Clients reconcile ordering by the
// payload's created_at; delivery order is best-effort.
const (
	EventActivity           = "activity"
	EventExecutionQueued    = "execution.queued"
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventQueueCleared       = "queue.cleared"
)

// Client-initiated actions.
const (
	ActionSubscribeAgent   = "agent.subscribe"
	ActionUnsubscribeAgent = "agent.unsubscribe"
)

// Message is the tagged JSON envelope for every frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubscribePayload selects the agent whose events a client wants.
type SubscribePayload struct {
	AgentName string `json:"agent_name"`
}

// ErrorPayload is sent when a client frame cannot be processed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewNotification builds a push frame for the given event and payload.
func NewNotification(event string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      MessageTypeNotification,
		Event:     event,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError builds an error frame.
func NewError(code, message string) *Message {
	data, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Message{
		Type:      MessageTypeError,
		Event:     "error",
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
}

// ParsePayload unmarshals the payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
