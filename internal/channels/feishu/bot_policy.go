package feishu

import (
	"log/slog"

	"github.com/nextlevelbuilder/codexclaw/internal/channels"
)

// --- Policy checks ---

// checkPolicy applies the DM/group policy and, for groups, the optional mention gate.
func (c *Channel) checkPolicy(mc *messageContext) bool {
	chatType := channels.ChatTypeDirect
	if mc.ChatType == channels.ChatTypeGroup {
		chatType = channels.ChatTypeGroup
	}

	dmPolicy := channels.DMPolicy(c.cfg.DMPolicy)
	groupPolicy := channels.GroupPolicy(c.cfg.GroupPolicy)
	if !c.CheckPolicy(chatType, dmPolicy, groupPolicy, mc.SenderID, mc.ChatID) {
		slog.Debug("feishu message rejected by policy",
			"chat_type", chatType, "sender_id", mc.SenderID, "chat_id", mc.ChatID)
		return false
	}

	if chatType == channels.ChatTypeGroup && c.requireMention() && !mc.MentionedBot {
		slog.Debug("feishu group message ignored (no mention)", "chat_id", mc.ChatID, "message_id", mc.MessageID)
		return false
	}
	return true
}

func (c *Channel) requireMention() bool {
	if c.cfg.RequireMention == nil {
		return false
	}
	return *c.cfg.RequireMention
}
