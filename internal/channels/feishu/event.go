package feishu

// Event types handled by the channel.
const eventMessageReceive = "im.message.receive_v1"

// MessageEvent is the v2 envelope of an im.message.receive_v1 event.
type MessageEvent struct {
	Schema string      `json:"schema"`
	Header EventHeader `json:"header"`
	Event  struct {
		Sender  EventSender  `json:"sender"`
		Message EventMessage `json:"message"`
	} `json:"event"`
}

type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

type UserID struct {
	OpenID  string `json:"open_id"`
	UserID  string `json:"user_id"`
	UnionID string `json:"union_id"`
}

type EventSender struct {
	SenderID   UserID `json:"sender_id"`
	SenderType string `json:"sender_type"` // "user", "app"
	TenantKey  string `json:"tenant_key"`
}

type EventMessage struct {
	MessageID   string         `json:"message_id"`
	RootID      string         `json:"root_id"`
	ParentID    string         `json:"parent_id"`
	CreateTime  string         `json:"create_time"` // unix milliseconds as a decimal string
	ChatID      string         `json:"chat_id"`
	ThreadID    string         `json:"thread_id"`
	ChatType    string         `json:"chat_type"`    // "p2p", "group"
	MessageType string         `json:"message_type"` // "text", "post", "image", ...
	Content     string         `json:"content"`      // JSON-encoded, shape depends on MessageType
	Mentions    []EventMention `json:"mentions"`
}

type EventMention struct {
	Key       string `json:"key"` // "@_user_1" placeholder in the text
	ID        UserID `json:"id"`
	Name      string `json:"name"`
	TenantKey string `json:"tenant_key"`
}
