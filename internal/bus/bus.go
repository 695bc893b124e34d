// Package bus decouples channels from the router (inbound queue) and the router
// from its observers (event broadcast).
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultInboundBuffer = 256

// MessageBus is an in-process InboundQueue and EventPublisher.
type MessageBus struct {
	inbound chan InboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a MessageBus with the default inbound buffer.
func New() *MessageBus {
	return NewWithBuffer(defaultInboundBuffer)
}

// NewWithBuffer creates a MessageBus with an inbound buffer of size n.
func NewWithBuffer(n int) *MessageBus {
	if n <= 0 {
		n = defaultInboundBuffer
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, n),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message for the router. It never blocks the caller:
// when the buffer is full the message is dropped and logged, since channel
// callbacks (webhook responses, WS acks) must return promptly.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus.inbound_full", "message_id", msg.ID, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// Subscribe registers handler under id, replacing any previous handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast delivers event synchronously to every subscriber.
// Handlers must not block; a panicking handler is recovered and logged.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus: event handler panic", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

var (
	_ EventPublisher = (*MessageBus)(nil)
	_ InboundQueue   = (*MessageBus)(nil)
)
