package notify

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
)

const previewLimit = 200

// Renderer builds the plain-text bodies sent to the operator.
type Renderer struct {
	// BaseURL is the public address of the relay. Confirmation links are
	// omitted when empty.
	BaseURL string
}

// NewMessage renders the alert for a message that now awaits a reply.
func (r Renderer) NewMessage(conv *domain.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New message from %s (%s)", conv.DisplayName, conv.SourceKind)
	if conv.LastInbound != nil {
		fmt.Fprintf(&b, ": %s", preview(conv.LastInbound.Text))
	}
	if link := r.ConfirmLink(conv); link != "" {
		fmt.Fprintf(&b, "\nMark as replied: %s", link)
	}
	return b.String()
}

// Reminder renders the escalation text for an overdue conversation.
func (r Renderer) Reminder(conv *domain.Conversation, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reminder #%d: %s has been waiting %s for a reply",
		conv.ReminderCount+1, conv.DisplayName, humanDuration(conv.WaitingFor(now)))
	if conv.LastInbound != nil {
		fmt.Fprintf(&b, "\n> %s", preview(conv.LastInbound.Text))
	}
	if link := r.ConfirmLink(conv); link != "" {
		fmt.Fprintf(&b, "\nMark as replied: %s", link)
	}
	return b.String()
}

// Status renders the answer to the STATUS command: the reply flag and the
// last inbound and outbound messages.
func (r Renderer) Status(conv *domain.Conversation, now time.Time) string {
	if conv == nil {
		return "No conversation on record."
	}

	var b strings.Builder
	if conv.NeedsReply {
		fmt.Fprintf(&b, "%s: awaiting reply for %s, %d reminder(s) sent.",
			conv.DisplayName, humanDuration(conv.WaitingFor(now)), conv.ReminderCount)
	} else {
		fmt.Fprintf(&b, "%s: no reply pending.", conv.DisplayName)
	}
	if in := conv.LastInbound; in != nil {
		fmt.Fprintf(&b, "\nLast inbound (%s): %s", in.ReceivedAt.UTC().Format(time.RFC3339), preview(in.Text))
	}
	if out := conv.LastOutbound; out != nil {
		fmt.Fprintf(&b, "\nLast reply (%s): %s", out.SentAt.UTC().Format(time.RFC3339), preview(out.Text))
	}
	return b.String()
}

// ConfirmLink returns the confirmation URL for conv, or "" if none can be built.
func (r Renderer) ConfirmLink(conv *domain.Conversation) string {
	if r.BaseURL == "" || conv.ConfirmationToken == "" {
		return ""
	}
	return fmt.Sprintf("%s/confirm/%s?token=%s",
		strings.TrimRight(r.BaseURL, "/"),
		url.PathEscape(conv.ID),
		url.QueryEscape(conv.ConfirmationToken))
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "(no text)"
	}
	runes := []rune(text)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit]) + "..."
	}
	return text
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
