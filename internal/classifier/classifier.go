// Package classifier decides what an inbound message means to the relay.
package classifier

import (
	"github.com/ashureev/reply-relay/internal/domain"
)

// Kind is the outcome of classifying an inbound event.
type Kind int

const (
	// KindUserMessage is an end-user message that needs a reply.
	KindUserMessage Kind = iota
	// KindCommand is an operator command.
	KindCommand
	// KindIgnore is chatter that does not participate in reply tracking.
	KindIgnore
)

func (k Kind) String() string {
	switch k {
	case KindUserMessage:
		return "user_message"
	case KindCommand:
		return "command"
	case KindIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Command is an operator command recognized from the vocabulary.
type Command string

const (
	CommandReset          Command = "reset"
	CommandMarkAllReplied Command = "mark_all_replied"
	CommandStatus         Command = "status"
	CommandDebugLog       Command = "debug_log"
)

// Vocabulary maps command strings to commands. Matching is exact and case-sensitive.
type Vocabulary struct {
	Reset          string
	MarkAllReplied string
	Status         string
	DebugLog       string
}

// DefaultVocabulary returns the stock command strings.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Reset:          "RESET",
		MarkAllReplied: "MARK_ALL_REPLIED",
		Status:         "STATUS",
		DebugLog:       "DEBUG_LOG",
	}
}

// Match returns the command text names, if any.
func (v Vocabulary) Match(text string) (Command, bool) {
	if text == "" {
		return "", false
	}
	switch text {
	case v.Reset:
		return CommandReset, true
	case v.MarkAllReplied:
		return CommandMarkAllReplied, true
	case v.Status:
		return CommandStatus, true
	case v.DebugLog:
		return CommandDebugLog, true
	}
	return "", false
}

// Classification is the result of Classify.
type Classification struct {
	Kind    Kind
	Command Command
	Event   domain.InboundEvent
}

// Classify is a pure function of the event and vocabulary.
func Classify(ev domain.InboundEvent, vocab Vocabulary) Classification {
	if cmd, ok := vocab.Match(ev.Text); ok {
		return Classification{Kind: KindCommand, Command: cmd, Event: ev}
	}
	if !ev.IsRepliable && ev.SourceKind.IsShared() {
		return Classification{Kind: KindIgnore, Event: ev}
	}
	return Classification{Kind: KindUserMessage, Event: ev}
}
