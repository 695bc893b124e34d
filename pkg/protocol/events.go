package protocol

// ProtocolVersion is bumped whenever the status feed payloads change shape.
const ProtocolVersion = 1

// Event names broadcast on the bus and pushed to status WebSocket clients.
const (
	EventHealth   = "health"
	EventLog      = "log"
	EventShutdown = "shutdown"

	// Router lifecycle events (payload: MessageEventPayload).
	EventMessageAccepted = "message.accepted"
	EventMessageDropped  = "message.dropped"
	EventReplySent       = "reply.sent"
	EventReplyFailed     = "reply.failed"

	// Session events (payload: SessionEventPayload).
	EventThreadReady       = "thread.ready"
	EventSessionBound      = "session.bound"
	EventSessionSaveFailed = "session.save_failed"
)

// Drop reasons carried in MessageEventPayload.Reason.
const (
	DropReasonNotText   = "not_text"
	DropReasonStale     = "stale"
	DropReasonDuplicate = "duplicate"
	DropReasonEmptyID   = "empty_id"
)

// MessageEventPayload describes a single inbound message as it moves through the router.
type MessageEventPayload struct {
	RunID     string `json:"run_id,omitempty"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionEventPayload describes a chat → thread association.
type SessionEventPayload struct {
	ChatID   string `json:"chat_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Resumed  bool   `json:"resumed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FrameTypeEvent tags server-pushed frames on the status WebSocket feed.
const FrameTypeEvent = "event"

// EventFrame is a server → client push on the status feed.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame for name.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}
