// Package domain contains core domain types for the reply relay.
package domain

import (
	"time"
)

// InboundEvent is a normalized inbound message delivered by the event source
// after transport verification and payload parsing.
type InboundEvent struct {
	ConversationID    string
	SenderID          string
	DisplayName       string
	SourceKind        SourceKind
	Text              string
	ExternalMessageID string
	ReplyHandle       string
	ReceivedAt        time.Time
	IsRepliable       bool
}

// Snapshot returns the inbound snapshot stored on the conversation record.
func (e InboundEvent) Snapshot() *InboundMessage {
	return &InboundMessage{
		Text:              e.Text,
		ExternalMessageID: e.ExternalMessageID,
		ReplyHandle:       e.ReplyHandle,
		ReceivedAt:        e.ReceivedAt,
	}
}
