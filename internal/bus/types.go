package bus

import (
	"context"
	"time"
)

// Message types delivered by channels. Only MessageTypeText is routed to the backend.
const (
	MessageTypeText = "text"
)

// InboundMessage represents a message received from a channel (Feishu/Lark).
type InboundMessage struct {
	ID        string            `json:"id"`                  // platform message id, also the reply target
	Channel   string            `json:"channel"`             // "feishu"
	ChatID    string            `json:"chat_id"`             // session key: one DM or one group (or topic)
	ChatType  string            `json:"chat_type,omitempty"` // "p2p" or "group"
	SenderID  string            `json:"sender_id,omitempty"`
	Type      string            `json:"type"` // "text", "post", "image", ...
	Text      string            `json:"text"`
	CreatedAt time.Time         `json:"created_at"` // zero when the platform timestamp is missing
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsText reports whether the message should be routed to the backend.
func (m InboundMessage) IsText() bool { return m.Type == MessageTypeText }

// Event represents a server-side event broadcast to subscribers (status surface, WebSocket clients).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the router to notify observers without depending on them.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// InboundQueue abstracts the channel → router hand-off.
type InboundQueue interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
}
