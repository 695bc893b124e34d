package feishu

import (
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
	"github.com/nextlevelbuilder/codexclaw/internal/channels"
)

// messageContext holds parsed information from a Feishu message event.
type messageContext struct {
	ChatID       string
	MessageID    string
	SenderID     string // sender_id.open_id
	SenderType   string // "user", "app"
	ChatType     string // "p2p" or "group"
	Content      string
	ContentType  string // "text", "post", "image", etc.
	MentionedBot bool
	RootID       string // thread root message ID
	ParentID     string // parent message ID
	Mentions     []mentionInfo
}

type mentionInfo struct {
	Key    string // @_user_N placeholder
	OpenID string
	Name   string
}

// handleMessageEvent turns an im.message.receive_v1 event into an inbound
// bus message. Dedup and freshness are the router's job.
func (c *Channel) handleMessageEvent(event *MessageEvent) {
	if event == nil || event.Event.Message.MessageID == "" {
		return
	}

	mc := c.parseMessageEvent(event)

	if mc.SenderType == "app" {
		slog.Debug("feishu: ignoring message from app", "message_id", mc.MessageID)
		return
	}

	if !c.checkPolicy(mc) {
		return
	}

	// Topic session: each thread in a group gets its own Codex thread.
	chatID := mc.ChatID
	if mc.RootID != "" && c.cfg.TopicSessionMode == "enabled" {
		chatID = fmt.Sprintf("%s:topic:%s", mc.ChatID, mc.RootID)
	}

	// Rich text is routed like plain text.
	msgType := mc.ContentType
	if msgType == "post" {
		msgType = bus.MessageTypeText
	}

	metadata := map[string]string{
		"chat_type":     mc.ChatType,
		"mentioned_bot": fmt.Sprintf("%t", mc.MentionedBot),
		"platform":      "feishu",
	}
	if mc.RootID != "" {
		metadata["root_id"] = mc.RootID
	}
	if mc.ParentID != "" {
		metadata["parent_id"] = mc.ParentID
	}

	chatType := channels.ChatTypeDirect
	if mc.ChatType == channels.ChatTypeGroup {
		chatType = channels.ChatTypeGroup
	}

	c.Publish(bus.InboundMessage{
		ID:        mc.MessageID,
		ChatID:    chatID,
		ChatType:  chatType,
		SenderID:  mc.SenderID,
		Type:      msgType,
		Text:      mc.Content,
		CreatedAt: parseCreateTime(event.Event.Message.CreateTime),
		Metadata:  metadata,
	})
}
