// Package tracker applies reply-tracking transitions to the conversation store.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/ashureev/reply-relay/internal/shared"
	"github.com/ashureev/reply-relay/internal/store"
	"github.com/google/uuid"
)

// Messenger is the outbound messaging sink.
type Messenger interface {
	// SendDirect posts text to a conversation and returns the platform message id, if any.
	SendDirect(ctx context.Context, conversationID, text string) (string, error)

	// SendAsReply answers the message identified by replyHandle.
	SendAsReply(ctx context.Context, replyHandle, text string) (string, error)
}

// ResetScope controls how far the RESET command reaches.
type ResetScope string

const (
	ResetGlobal       ResetScope = "global"
	ResetConversation ResetScope = "conversation"
)

const defaultSendTimeout = 10 * time.Second

// Engine applies inbound events, replies and operator actions to the store.
type Engine struct {
	repo        store.Repository
	messenger   Messenger
	now         func() time.Time
	newToken    TokenSource
	newID       func() string
	resetScope  ResetScope
	sendTimeout time.Duration
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTokenSource overrides confirmation token generation.
func WithTokenSource(src TokenSource) Option {
	return func(e *Engine) { e.newToken = src }
}

// WithResetScope sets the reach of Reset.
func WithResetScope(scope ResetScope) Option {
	return func(e *Engine) { e.resetScope = scope }
}

// WithSendTimeout bounds each outbound platform call.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a transition engine over repo.
func NewEngine(repo store.Repository, messenger Messenger, opts ...Option) *Engine {
	e := &Engine{
		repo:        repo,
		messenger:   messenger,
		now:         time.Now,
		newToken:    RandomToken,
		newID:       uuid.NewString,
		resetScope:  ResetGlobal,
		sendTimeout: defaultSendTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleUserMessage records a new unanswered message, creating the
// conversation on first contact. Reminder bookkeeping restarts and the
// confirmation token is rotated.
func (e *Engine) HandleUserMessage(ctx context.Context, ev domain.InboundEvent) (*domain.Conversation, error) {
	token, err := e.newToken()
	if err != nil {
		return nil, err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now()
	}
	localID := e.newID()

	conv, err := e.repo.Upsert(ctx, ev.ConversationID, func(c *domain.Conversation, exists bool) error {
		if ev.DisplayName != "" && (ev.DisplayName != domain.UnknownDisplayName || !exists) {
			c.DisplayName = ev.DisplayName
		}
		c.SourceKind = ev.SourceKind
		c.LastInbound = ev.Snapshot()
		c.LastInbound.LocalID = localID
		c.NeedsReply = true
		c.ClearReminders()
		c.ConfirmationToken = token
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record inbound message for %s: %w", ev.ConversationID, err)
	}

	e.logger.Info("Conversation awaiting reply",
		"conversation_id", conv.ID,
		"display_name", conv.DisplayName,
		"source_kind", conv.SourceKind)
	return conv, nil
}

// Reply sends text to the conversation and, only if the send succeeded,
// records the outbound message and clears the reply flag. If a newer inbound
// message arrived while the send was in flight, that message stays unanswered.
func (e *Engine) Reply(ctx context.Context, id, text string) (*domain.Conversation, error) {
	conv, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("reply to %s: %w", id, domain.ErrNotFound)
	}

	answered := conv.LastInbound
	var handle string
	if answered != nil {
		handle = answered.ReplyHandle
	}

	platformID, err := e.send(ctx, id, handle, text)
	if err != nil {
		e.logger.Warn("Reply failed, conversation still awaiting reply", "conversation_id", id, "error", err)
		return nil, fmt.Errorf("reply to %s: %w", id, err)
	}

	outbound := &domain.OutboundMessage{
		Text:               text,
		GeneratedMessageID: e.newID(),
		PlatformMessageID:  platformID,
		SentAt:             e.now(),
	}

	updated, err := e.repo.Upsert(ctx, id, func(c *domain.Conversation, exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		c.LastOutbound = outbound
		if c.LastInbound.Same(answered) {
			c.MarkReplied()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("Conversation evicted while reply was in flight", "conversation_id", id)
		}
		return nil, fmt.Errorf("record reply to %s: %w", id, err)
	}

	e.logger.Info("Reply sent",
		"conversation_id", id,
		"message_id", outbound.GeneratedMessageID,
		"needs_reply", updated.NeedsReply)
	return updated, nil
}

// MarkReplied clears the reply flag without sending anything.
func (e *Engine) MarkReplied(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := e.repo.Upsert(ctx, id, func(c *domain.Conversation, exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		c.MarkReplied()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark %s replied: %w", id, err)
	}
	e.logger.Info("Conversation marked replied", "conversation_id", id)
	return conv, nil
}

// Reset clears the reply flag. With global scope every record present when
// the reset begins is cleared; with conversation scope only issuingID is.
// Returns the number of records that were awaiting a reply.
func (e *Engine) Reset(ctx context.Context, issuingID string) (int, error) {
	if e.resetScope == ResetConversation {
		before, err := e.repo.Get(ctx, issuingID)
		if err != nil {
			return 0, err
		}
		if _, err := e.MarkReplied(ctx, issuingID); err != nil {
			return 0, err
		}
		if before != nil && before.NeedsReply {
			return 1, nil
		}
		return 0, nil
	}
	return e.ResetAll(ctx)
}

// ResetAll clears the reply flag on every record present when it begins,
// regardless of the configured scope. Returns the number that were awaiting
// a reply.
func (e *Engine) ResetAll(ctx context.Context) (int, error) {
	var ids []string
	if err := e.repo.ForEach(ctx, func(c *domain.Conversation) {
		ids = append(ids, c.ID)
	}); err != nil {
		return 0, fmt.Errorf("reset: %w", err)
	}

	cleared := 0
	for _, id := range ids {
		_, err := e.repo.Upsert(ctx, id, func(c *domain.Conversation, exists bool) error {
			if !exists {
				return domain.ErrNotFound
			}
			if c.NeedsReply {
				cleared++
			}
			c.MarkReplied()
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			e.logger.Error("Reset failed for conversation", "conversation_id", id, "error", err)
		}
	}

	e.logger.Info("Reset applied", "conversations", len(ids), "cleared", cleared)
	return cleared, nil
}

// Status returns the record of one conversation.
func (e *Engine) Status(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("status of %s: %w", id, domain.ErrNotFound)
	}
	return conv, nil
}

// List returns every record in ascending id order.
func (e *Engine) List(ctx context.Context) ([]*domain.Conversation, error) {
	var out []*domain.Conversation
	if err := e.repo.ForEach(ctx, func(c *domain.Conversation) {
		out = append(out, c)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckToken validates a confirmation token without mutating anything.
func (e *Engine) CheckToken(ctx context.Context, id, token string) (*domain.Conversation, error) {
	conv, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}
	if !tokensMatch(conv.ConfirmationToken, token) {
		return nil, domain.ErrTokenMismatch
	}
	return conv, nil
}

// Confirm marks the conversation replied when token matches the current
// confirmation token. A mismatch leaves the record untouched.
func (e *Engine) Confirm(ctx context.Context, id, token string) (*domain.Conversation, error) {
	conv, err := e.repo.Upsert(ctx, id, func(c *domain.Conversation, exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		if !tokensMatch(c.ConfirmationToken, token) {
			return domain.ErrTokenMismatch
		}
		c.MarkReplied()
		return nil
	})
	if err != nil {
		e.logger.Warn("Confirmation rejected", "conversation_id", id, "error", err)
		return nil, err
	}
	e.logger.Info("Conversation confirmed replied", "conversation_id", id)
	return conv, nil
}

// SendNotice posts text to a conversation without touching its reply state.
// Used for command responses.
func (e *Engine) SendNotice(ctx context.Context, id, replyHandle, text string) error {
	_, err := e.send(ctx, id, replyHandle, text)
	return err
}

// send performs one bounded platform call. Every failure, panics included,
// is reported as ErrSendFailed.
func (e *Engine) send(ctx context.Context, id, replyHandle, text string) (string, error) {
	if e.messenger == nil {
		return "", fmt.Errorf("%w: no messenger configured", domain.ErrSendFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	var platformID string
	err := shared.Guard("messenger", func() error {
		var err error
		if replyHandle != "" {
			platformID, err = e.messenger.SendAsReply(ctx, replyHandle, text)
		} else {
			platformID, err = e.messenger.SendDirect(ctx, id, text)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return platformID, nil
}
