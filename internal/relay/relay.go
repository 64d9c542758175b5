// Package relay routes classified inbound events to the transition engine
// and executes operator commands.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/reply-relay/internal/classifier"
	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/ashureev/reply-relay/internal/metrics"
	"github.com/ashureev/reply-relay/internal/notify"
	"github.com/ashureev/reply-relay/internal/shared"
	"github.com/ashureev/reply-relay/internal/tracker"
)

const (
	debugLogReplyBytes   = 3000
	defaultNotifyTimeout = 10 * time.Second
)

// LogSource exposes recent log output for the DEBUG_LOG command.
type LogSource interface {
	Tail(max int) string
}

// Outcome describes what happened to one inbound event.
type Outcome struct {
	Kind         classifier.Kind
	Command      classifier.Command
	Conversation *domain.Conversation
	// Response is the command result sent back to the issuing conversation.
	Response string
	// Delivered reports whether the alert or command response reached its sink.
	Delivered bool
}

// Relay glues the classifier, the engine and the notification sink together.
type Relay struct {
	engine        *tracker.Engine
	notifier      notify.Notifier
	renderer      notify.Renderer
	vocab         classifier.Vocabulary
	logs          LogSource
	notifyTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Config holds the relay dependencies. Logs and Logger are optional.
type Config struct {
	Engine        *tracker.Engine
	Notifier      notify.Notifier
	Renderer      notify.Renderer
	Vocabulary    classifier.Vocabulary
	Logs          LogSource
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// New creates a relay.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogNotifier{Logger: cfg.Logger}
	}
	return &Relay{
		engine:        cfg.Engine,
		notifier:      cfg.Notifier,
		renderer:      cfg.Renderer,
		vocab:         cfg.Vocabulary,
		logs:          cfg.Logs,
		notifyTimeout: cfg.NotifyTimeout,
		now:           time.Now,
		logger:        cfg.Logger,
	}
}

// Handle classifies ev and applies it.
func (r *Relay) Handle(ctx context.Context, ev domain.InboundEvent) (Outcome, error) {
	c := classifier.Classify(ev, r.vocab)
	metrics.InboundEvents.WithLabelValues(c.Kind.String()).Inc()

	switch c.Kind {
	case classifier.KindCommand:
		return r.runCommand(ctx, c)
	case classifier.KindIgnore:
		r.logger.Debug("Ignoring non-repliable shared chatter",
			"conversation_id", ev.ConversationID,
			"source_kind", ev.SourceKind)
		return Outcome{Kind: c.Kind}, nil
	default:
		return r.recordMessage(ctx, c)
	}
}

func (r *Relay) recordMessage(ctx context.Context, c classifier.Classification) (Outcome, error) {
	conv, err := r.engine.HandleUserMessage(ctx, c.Event)
	if err != nil {
		return Outcome{Kind: c.Kind}, err
	}

	out := Outcome{Kind: c.Kind, Conversation: conv}
	if err := r.notify(ctx, conv.ID, r.renderer.NewMessage(conv)); err != nil {
		r.logger.Warn("New message alert failed", "conversation_id", conv.ID, "error", err)
		return out, nil
	}
	out.Delivered = true
	return out, nil
}

func (r *Relay) runCommand(ctx context.Context, c classifier.Classification) (Outcome, error) {
	ev := c.Event
	out := Outcome{Kind: c.Kind, Command: c.Command}

	response, err := r.execute(ctx, c.Command, ev.ConversationID)
	if err != nil {
		metrics.OperatorCommands.WithLabelValues(string(c.Command), "error").Inc()
		r.logger.Error("Operator command failed",
			"command", c.Command,
			"conversation_id", ev.ConversationID,
			"error", err)
		return out, err
	}
	metrics.OperatorCommands.WithLabelValues(string(c.Command), "ok").Inc()
	r.logger.Info("Operator command executed", "command", c.Command, "conversation_id", ev.ConversationID)

	out.Response = response
	if err := r.engine.SendNotice(ctx, ev.ConversationID, ev.ReplyHandle, response); err != nil {
		r.logger.Warn("Command response not delivered",
			"command", c.Command,
			"conversation_id", ev.ConversationID,
			"error", err)
		return out, nil
	}
	out.Delivered = true
	return out, nil
}

// execute applies a command and returns its textual result. Unknown
// conversations are reported in the text, not as errors.
func (r *Relay) execute(ctx context.Context, cmd classifier.Command, id string) (string, error) {
	switch cmd {
	case classifier.CommandReset:
		cleared, err := r.engine.Reset(ctx, id)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Reset done, %d conversation(s) were awaiting a reply.", cleared), nil

	case classifier.CommandMarkAllReplied:
		_, err := r.engine.MarkReplied(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return "No conversation on record.", nil
		}
		if err != nil {
			return "", err
		}
		return "Marked as replied.", nil

	case classifier.CommandStatus:
		conv, err := r.engine.Status(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return r.renderer.Status(nil, r.now()), nil
		}
		if err != nil {
			return "", err
		}
		return r.renderer.Status(conv, r.now()), nil

	case classifier.CommandDebugLog:
		if r.logs == nil {
			return "Debug log is not available.", nil
		}
		tail := r.logs.Tail(debugLogReplyBytes)
		if tail == "" {
			return "Debug log is empty.", nil
		}
		return shared.RedactTokens(tail), nil
	}
	return "", fmt.Errorf("unknown command %q", cmd)
}

func (r *Relay) notify(ctx context.Context, id, text string) error {
	ctx, cancel := context.WithTimeout(ctx, r.notifyTimeout)
	defer cancel()
	err := shared.Guard("notifier", func() error {
		return r.notifier.Notify(ctx, id, text)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return nil
}
