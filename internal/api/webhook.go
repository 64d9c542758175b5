package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/ashureev/reply-relay/internal/middleware"
	"github.com/ashureev/reply-relay/internal/relay"
	"github.com/go-chi/chi/v5"
)

// MaxWebhookBody bounds inbound event payloads.
const MaxWebhookBody = 1 << 20

// NameResolver resolves sender display names. It never fails.
type NameResolver interface {
	Resolve(ctx context.Context, senderID, hint string) string
}

// WebhookHandler accepts signed inbound events from the messaging platform.
type WebhookHandler struct {
	relay  *relay.Relay
	names  NameResolver
	secret []byte
	now    func() time.Time
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(r *relay.Relay, names NameResolver, secret string) *WebhookHandler {
	return &WebhookHandler{relay: r, names: names, secret: []byte(secret), now: time.Now}
}

// RegisterRoutes registers the webhook route behind signature verification.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.With(middleware.VerifySignature(h.secret, MaxWebhookBody)).Post("/webhook/events", h.Events)
}

type eventPayload struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	SourceKind     string `json:"source_kind"`
	Text           string `json:"text"`
	MessageID      string `json:"message_id"`
	ReplyHandle    string `json:"reply_handle"`
	Timestamp      string `json:"timestamp"`
}

// Events handles one inbound event.
func (h *WebhookHandler) Events(w http.ResponseWriter, r *http.Request) {
	var p eventPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		Error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		Error(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	receivedAt := h.now()
	if p.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			Error(w, http.StatusBadRequest, "timestamp must be RFC 3339")
			return
		}
		receivedAt = ts
	}

	ev := domain.InboundEvent{
		ConversationID:    p.ConversationID,
		SenderID:          p.SenderID,
		SourceKind:        domain.ParseSourceKind(p.SourceKind),
		Text:              p.Text,
		ExternalMessageID: p.MessageID,
		ReplyHandle:       p.ReplyHandle,
		ReceivedAt:        receivedAt,
		IsRepliable:       p.ReplyHandle != "",
	}
	ev.DisplayName = h.names.Resolve(r.Context(), p.SenderID, p.SenderName)

	out, err := h.relay.Handle(r.Context(), ev)
	if err != nil {
		slog.Error("Failed to handle inbound event", "conversation_id", ev.ConversationID, "error", err)
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"status":    out.Kind.String(),
		"delivered": out.Delivered,
	}
	if out.Command != "" {
		resp["command"] = out.Command
	}
	if out.Conversation != nil {
		resp["needs_reply"] = out.Conversation.NeedsReply
	}
	JSON(w, http.StatusOK, resp)
}
