// Package notify delivers operator alerts and reminders to the notification channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/reply-relay/internal/metrics"
	"github.com/ashureev/reply-relay/internal/shared"
)

// ErrNoSubscribers is returned by Hub.Notify when no console is connected.
var ErrNoSubscribers = errors.New("no notification subscribers")

// Notifier delivers text concerning a conversation to the operator.
type Notifier interface {
	Notify(ctx context.Context, conversationID, text string) error
}

// LogNotifier writes notifications to the log. Used when no channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the notification. Confirmation tokens are masked.
func (n LogNotifier) Notify(_ context.Context, conversationID, text string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Notification", "conversation_id", conversationID, "text", shared.RedactTokens(text))
	return nil
}

type namedSink struct {
	name string
	n    Notifier
}

// Multi fans a notification out to several sinks. Delivery succeeds when at
// least one sink accepted it.
type Multi struct {
	sinks []namedSink
}

// NewMulti creates an empty fan-out notifier.
func NewMulti() *Multi {
	return &Multi{}
}

// Add registers a sink under name, used for logs and metrics.
func (m *Multi) Add(name string, n Notifier) *Multi {
	m.sinks = append(m.sinks, namedSink{name: name, n: n})
	return m
}

// Names returns the registered sink names in registration order.
func (m *Multi) Names() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.name)
	}
	return names
}

// Notify delivers to every sink in registration order.
func (m *Multi) Notify(ctx context.Context, conversationID, text string) error {
	if len(m.sinks) == 0 {
		return fmt.Errorf("no notification sinks configured")
	}

	var errs []error
	delivered := 0
	for _, s := range m.sinks {
		err := shared.Guard("notifier:"+s.name, func() error {
			return s.n.Notify(ctx, conversationID, text)
		})
		if err != nil {
			metrics.OutboundCalls.WithLabelValues(s.name, "error").Inc()
			if !errors.Is(err, ErrNoSubscribers) {
				slog.Warn("Notification sink failed", "sink", s.name, "conversation_id", conversationID, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		metrics.OutboundCalls.WithLabelValues(s.name, "ok").Inc()
		delivered++
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
