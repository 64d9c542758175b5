package domain

import (
	"time"
)

// SourceKind identifies the kind of counterpart a conversation is held with.
type SourceKind string

const (
	SourceIndividual SourceKind = "individual"
	SourceGroup      SourceKind = "group"
	SourceRoom       SourceKind = "room"
)

// ParseSourceKind maps a wire value to a SourceKind. Unknown or empty values
// are treated as individual conversations.
func ParseSourceKind(s string) SourceKind {
	switch SourceKind(s) {
	case SourceGroup:
		return SourceGroup
	case SourceRoom:
		return SourceRoom
	default:
		return SourceIndividual
	}
}

// IsShared reports whether the conversation has more than one counterpart.
func (k SourceKind) IsShared() bool {
	return k == SourceGroup || k == SourceRoom
}

// UnknownDisplayName is used when no profile information could be resolved.
const UnknownDisplayName = "Unknown"

// InboundMessage is the most recent message that requires attention.
type InboundMessage struct {
	Text              string    `json:"text"`
	ExternalMessageID string    `json:"external_message_id"`
	ReplyHandle       string    `json:"reply_handle,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
	// LocalID is assigned by the relay when the message is recorded. Platform
	// ids are optional, so it is what tells two deliveries apart.
	LocalID string `json:"local_id,omitempty"`
}

// Same reports whether a and b snapshot the same delivery.
func (m *InboundMessage) Same(o *InboundMessage) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.LocalID != "" || o.LocalID != "" {
		return m.LocalID == o.LocalID
	}
	return m.ExternalMessageID == o.ExternalMessageID && m.ReceivedAt.Equal(o.ReceivedAt)
}

// OutboundMessage is the most recent reply sent through the relay.
type OutboundMessage struct {
	Text               string    `json:"text"`
	GeneratedMessageID string    `json:"generated_message_id"`
	PlatformMessageID  string    `json:"platform_message_id,omitempty"`
	SentAt             time.Time `json:"sent_at"`
}

// Conversation is the reply-tracking record kept for one counterpart.
type Conversation struct {
	ID                string           `json:"conversation_id"`
	DisplayName       string           `json:"display_name"`
	SourceKind        SourceKind       `json:"source_kind"`
	LastInbound       *InboundMessage  `json:"last_inbound,omitempty"`
	LastOutbound      *OutboundMessage `json:"last_outbound,omitempty"`
	NeedsReply        bool             `json:"needs_reply"`
	LastReminderAt    *time.Time       `json:"last_reminder_at,omitempty"`
	ReminderCount     int              `json:"reminder_count"`
	ConfirmationToken string           `json:"-"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers never share pointers with the store.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastInbound != nil {
		in := *c.LastInbound
		out.LastInbound = &in
	}
	if c.LastOutbound != nil {
		o := *c.LastOutbound
		out.LastOutbound = &o
	}
	if c.LastReminderAt != nil {
		ts := *c.LastReminderAt
		out.LastReminderAt = &ts
	}
	return &out
}

// ClearReminders drops the escalation bookkeeping for the current message.
func (c *Conversation) ClearReminders() {
	c.LastReminderAt = nil
	c.ReminderCount = 0
}

// MarkReplied clears the reply flag together with its reminder bookkeeping.
func (c *Conversation) MarkReplied() {
	c.NeedsReply = false
	c.ClearReminders()
}

// WaitingFor returns how long the current inbound message has gone unanswered.
// Returns 0 if nothing is awaiting a reply.
func (c *Conversation) WaitingFor(now time.Time) time.Duration {
	if !c.NeedsReply || c.LastInbound == nil {
		return 0
	}
	d := now.Sub(c.LastInbound.ReceivedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Validate checks the record invariants.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return ErrInvalidRecord
	}
	if c.NeedsReply && c.LastInbound == nil {
		return ErrInvalidRecord
	}
	if c.ReminderCount < 0 {
		return ErrInvalidRecord
	}
	if c.ReminderCount > 0 && (c.LastReminderAt == nil || !c.NeedsReply) {
		return ErrInvalidRecord
	}
	return nil
}
