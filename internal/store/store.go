// Package store provides the conversation store and its optional persistence.
package store

import (
	"context"

	"github.com/ashureev/reply-relay/internal/domain"
)

// Mutator edits a conversation in place. exists is false when the record is
// being created. Returning an error discards every change made by the mutator
// and, for a new record, leaves the store without it.
type Mutator func(conv *domain.Conversation, exists bool) error

// Visitor receives a private copy of each conversation during iteration.
type Visitor func(conv *domain.Conversation)

// Predicate decides whether a conversation should be deleted.
type Predicate func(conv *domain.Conversation) bool

// Repository defines the contract for keeping conversation records.
type Repository interface {
	// Get returns a copy of the record, or nil if the conversation is unknown.
	Get(ctx context.Context, id string) (*domain.Conversation, error)

	// Upsert atomically applies fn to the record identified by id, creating it
	// when absent. Mutations of one record are serialized; different records
	// proceed independently. Returns a copy of the resulting record.
	Upsert(ctx context.Context, id string, fn Mutator) (*domain.Conversation, error)

	// Delete removes the record. Returns false if it did not exist.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteIf removes the record only if pred holds while the record is locked.
	DeleteIf(ctx context.Context, id string, pred Predicate) (bool, error)

	// ForEach visits a copy of every record present when iteration begins.
	ForEach(ctx context.Context, fn Visitor) error

	// Len returns the number of records.
	Len() int
}

// Journal persists conversation records so the store survives restarts.
type Journal interface {
	// SaveConversation writes the full record.
	SaveConversation(ctx context.Context, conv *domain.Conversation) error

	// DeleteConversation removes the record.
	DeleteConversation(ctx context.Context, id string) error

	// LoadConversations returns every persisted record.
	LoadConversations(ctx context.Context) ([]*domain.Conversation, error)

	// Ping verifies connectivity to the backing database.
	Ping(ctx context.Context) error

	// Close closes the backing database.
	Close() error
}
