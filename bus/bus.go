package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrClosed            = errors.New("bus closed")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrNoSubscription    = errors.New("no matching subscription")
	ErrInvalidSubscriber = errors.New("invalid subscriber ID")
)

// MessageType identifies the kind of traffic a message carries.
type MessageType string

const (
	TypeTaskRequest  MessageType = "task_request"
	TypeTaskResponse MessageType = "task_response"
	TypeStatusUpdate MessageType = "status_update"
	TypeControl      MessageType = "control"
)

// Priority is a delivery ordering hint. It never affects correctness, only
// which messages an implementation prefers to move first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Message is the envelope exchanged between coordinator and workers.
type Message struct {
	MessageID   string                 `json:"message_id"`
	SenderID    string                 `json:"sender_id"`
	RecipientID string                 `json:"recipient_id"`
	Type        MessageType            `json:"type"`
	Content     map[string]interface{} `json:"content,omitempty"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewMessage creates a message with a generated id and current timestamp.
func NewMessage(msgType MessageType, sender, recipient string) *Message {
	return &Message{
		MessageID:   uuid.New().String(),
		SenderID:    sender,
		RecipientID: recipient,
		Type:        msgType,
		Content:     make(map[string]interface{}),
		Timestamp:   time.Now(),
	}
}

// Validate checks the message has the fields every implementation needs.
func (m *Message) Validate() error {
	if m == nil || m.MessageID == "" || m.Type == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Marshal serializes a message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal deserializes a message from JSON.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ContentString reads a string field from the message content.
func (m *Message) ContentString(key string) string {
	if m.Content == nil {
		return ""
	}
	if s, ok := m.Content[key].(string); ok {
		return s
	}
	return ""
}

// Filter selects which messages a subscription receives. Zero-value fields
// are not applied.
type Filter struct {
	// Types restricts delivery to these message types. Empty means all.
	Types []MessageType

	// SenderID restricts delivery to one sender.
	SenderID string

	// RecipientID restricts delivery to messages addressed to one recipient.
	RecipientID string
}

// Matches checks a message against the filter.
func (f Filter) Matches(m *Message) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if m.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SenderID != "" && m.SenderID != f.SenderID {
		return false
	}
	if f.RecipientID != "" && m.RecipientID != f.RecipientID {
		return false
	}
	return true
}

// key returns a stable identity for the filter so Unsubscribe can find the
// subscription created with an equal filter.
func (f Filter) key() string {
	types := make([]string, len(f.Types))
	for i, t := range f.Types {
		types[i] = string(t)
	}
	return strings.Join(types, ",") + "|" + f.SenderID + "|" + f.RecipientID
}

// Handler processes one delivered message.
type Handler func(msg *Message)

// MessageBus moves messages between coordination components and workers.
type MessageBus interface {
	// Subscribe registers a handler for messages matching the filter.
	// Returns a subscription id.
	Subscribe(subscriberID string, filter Filter, handler Handler) (string, error)

	// Unsubscribe removes the subscriber's subscription created with an
	// equal filter. Returns ErrNoSubscription if none exists.
	Unsubscribe(subscriberID string, filter Filter) error

	// Send delivers a message to all matching subscribers, best effort.
	Send(ctx context.Context, msg *Message, priority Priority) error

	// Close shuts down the bus.
	Close() error
}
