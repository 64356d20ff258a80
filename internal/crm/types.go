package crm

import "time"

// MessageType distinguishes who produced a conversation message.
type MessageType string

const (
	MessageIncoming MessageType = "incoming" // from the end user
	MessageOutgoing MessageType = "outgoing" // from the bot or an agent
	MessageActivity MessageType = "activity" // system notes, assignments
)

// Message is one conversation message as the CRM stores it.
type Message struct {
	ID        int64
	Content   string
	Type      MessageType
	Private   bool
	CreatedAt time.Time
}

// Conversation carries the conversation attributes the platform consults:
// assignment for agent gating, custom attributes for per-conversation
// flags, activity time for recency checks.
type Conversation struct {
	ID               string
	Status           string
	AssigneeID       *int64
	CustomAttributes map[string]any
	LastActivityAt   time.Time
}

// BotDisabled reports whether an agent or automation turned the bot off
// for this conversation via custom attributes.
func (c *Conversation) BotDisabled() bool {
	if c == nil || c.CustomAttributes == nil {
		return false
	}
	switch v := c.CustomAttributes["bot_status"].(type) {
	case string:
		return v == "off" || v == "disabled"
	case bool:
		return !v
	}
	if v, ok := c.CustomAttributes["bot_disabled"].(bool); ok {
		return v
	}
	return false
}

// HasHumanAssignee reports whether a human agent owns the conversation.
func (c *Conversation) HasHumanAssignee() bool {
	return c != nil && c.AssigneeID != nil && *c.AssigneeID > 0
}
