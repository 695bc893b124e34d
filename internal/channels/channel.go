// Package channels provides the channel abstraction between chat platforms and the router.
// A channel receives platform events, applies DM/group policies and publishes
// text messages to the bus; replies go back through the same channel.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
)

// Chat types as reported by channels.
const (
	ChatTypeDirect = "p2p"
	ChatTypeGroup  = "group"
)

// DMPolicy controls how DMs are handled.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted groups/senders
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "feishu").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Reply answers the platform message with the given id.
	Reply(ctx context.Context, messageID, text string) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	queue     bus.InboundQueue
	running   atomic.Bool
	allowList []string
}

// NewBaseChannel creates a new BaseChannel.
func NewBaseChannel(name string, queue bus.InboundQueue, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		queue:     queue,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if any of ids (sender id, chat id, ...) is in the allowlist.
// Empty allowlist means everything is allowed.
func (c *BaseChannel) IsAllowed(ids ...string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		allowed = strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		for _, id := range ids {
			if id != "" && id == allowed {
				return true
			}
		}
	}
	return false
}

// CheckPolicy evaluates DM/group policy for a message.
// chatType is ChatTypeDirect or ChatTypeGroup; empty policies mean "open".
func (c *BaseChannel) CheckPolicy(chatType string, dmPolicy DMPolicy, groupPolicy GroupPolicy, senderID, chatID string) bool {
	policy := string(dmPolicy)
	if chatType == ChatTypeGroup {
		policy = string(groupPolicy)
	}

	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID, chatID)
	default: // "open"
		return true
	}
}

// Publish stamps the channel name on msg and hands it to the router queue.
func (c *BaseChannel) Publish(msg bus.InboundMessage) {
	msg.Channel = c.name
	slog.Debug("channel: inbound message", "channel", c.name, "message_id", msg.ID, "chat_id", msg.ChatID, "type", msg.Type)
	c.queue.PublishInbound(msg)
}
