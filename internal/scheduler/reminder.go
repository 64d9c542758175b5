// Package scheduler runs the periodic reminder and retention sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/ashureev/reply-relay/internal/metrics"
	"github.com/ashureev/reply-relay/internal/shared"
	"github.com/ashureev/reply-relay/internal/store"
)

// Notifier delivers reminder text to the notification channel.
type Notifier interface {
	Notify(ctx context.Context, conversationID, text string) error
}

// Formatter renders the reminder text for a due conversation.
type Formatter interface {
	Reminder(conv *domain.Conversation, now time.Time) string
}

// Policy holds the reminder timing and eligibility settings.
type Policy struct {
	FirstReminderDelay    time.Duration
	ReminderInterval      time.Duration
	GroupRemindersEnabled bool
}

// Eligible reports whether conv takes part in reminders at all.
func (p Policy) Eligible(conv *domain.Conversation) bool {
	if !conv.NeedsReply || conv.LastInbound == nil {
		return false
	}
	if conv.SourceKind.IsShared() {
		return p.GroupRemindersEnabled
	}
	return true
}

// IsDue reports whether an eligible conversation should be reminded at now.
func (p Policy) IsDue(conv *domain.Conversation, now time.Time) bool {
	if !p.Eligible(conv) {
		return false
	}
	if conv.LastReminderAt == nil {
		return now.Sub(conv.LastInbound.ReceivedAt) >= p.FirstReminderDelay
	}
	return now.Sub(*conv.LastReminderAt) >= p.ReminderInterval
}

// ReminderReport summarizes one reminder sweep.
type ReminderReport struct {
	Awaiting int // conversations awaiting a reply
	Due      int
	Sent     int
	Failed   int
	Stale    int // delivered, but the record changed before it could be booked
}

// errStale marks a reminder whose record moved on while it was being sent.
var errStale = errors.New("conversation changed during reminder")

const defaultNotifyTimeout = 10 * time.Second

// ReminderSweeper selects overdue conversations and emits one reminder each.
// At most one sweep runs at a time; overlapping triggers are dropped.
type ReminderSweeper struct {
	repo          store.Repository
	notifier      Notifier
	formatter     Formatter
	policy        Policy
	notifyTimeout time.Duration
	logger        *slog.Logger
	running       sync.Mutex
}

// NewReminderSweeper creates a reminder sweeper.
func NewReminderSweeper(repo store.Repository, notifier Notifier, formatter Formatter, policy Policy, logger *slog.Logger) *ReminderSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderSweeper{
		repo:          repo,
		notifier:      notifier,
		formatter:     formatter,
		policy:        policy,
		notifyTimeout: defaultNotifyTimeout,
		logger:        logger,
	}
}

// SetNotifyTimeout bounds each notification call.
func (s *ReminderSweeper) SetNotifyTimeout(d time.Duration) {
	if d > 0 {
		s.notifyTimeout = d
	}
}

// Sweep runs one reminder pass as of now. Returns domain.ErrBusy without
// doing anything if another sweep is in progress.
func (s *ReminderSweeper) Sweep(ctx context.Context, now time.Time) (ReminderReport, error) {
	if !s.running.TryLock() {
		metrics.SweepsSkipped.WithLabelValues("reminder").Inc()
		s.logger.Warn("Reminder sweep skipped, previous run still in progress")
		return ReminderReport{}, domain.ErrBusy
	}
	defer s.running.Unlock()

	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("reminder").Observe(time.Since(start).Seconds())
	}()

	var report ReminderReport
	var due []*domain.Conversation
	err := s.repo.ForEach(ctx, func(conv *domain.Conversation) {
		if conv.NeedsReply {
			report.Awaiting++
		}
		if s.policy.IsDue(conv, now) {
			due = append(due, conv)
		}
	})
	if err != nil {
		return report, fmt.Errorf("snapshot conversations: %w", err)
	}
	metrics.AwaitingReply.Set(float64(report.Awaiting))
	report.Due = len(due)

	// ForEach yields ascending ids, so emission order is deterministic.
	for _, conv := range due {
		if ctx.Err() != nil {
			break
		}
		switch err := s.remind(ctx, conv, now); {
		case err == nil:
			report.Sent++
		case errors.Is(err, errStale), errors.Is(err, domain.ErrNotFound):
			report.Stale++
		default:
			report.Failed++
		}
	}

	if report.Due > 0 {
		s.logger.Info("Reminder sweep completed",
			"awaiting", report.Awaiting,
			"due", report.Due,
			"sent", report.Sent,
			"failed", report.Failed,
			"stale", report.Stale)
	}
	return report, ctx.Err()
}

// remind emits one reminder and books it only if delivery succeeded.
func (s *ReminderSweeper) remind(ctx context.Context, conv *domain.Conversation, now time.Time) error {
	text := s.formatter.Reminder(conv, now)

	notifyCtx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	err := shared.Guard("notifier", func() error {
		return s.notifier.Notify(notifyCtx, conv.ID, text)
	})
	cancel()
	if err != nil {
		metrics.ReminderFailures.Inc()
		s.logger.Warn("Reminder delivery failed, will retry next sweep",
			"conversation_id", conv.ID,
			"error", err)
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}

	_, err = s.repo.Upsert(ctx, conv.ID, func(cur *domain.Conversation, exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		if !cur.NeedsReply || !cur.LastInbound.Same(conv.LastInbound) || !sameTime(cur.LastReminderAt, conv.LastReminderAt) {
			return errStale
		}
		cur.ReminderCount++
		ts := now
		cur.LastReminderAt = &ts
		return nil
	})
	if err != nil {
		s.logger.Debug("Reminder delivered but not booked", "conversation_id", conv.ID, "error", err)
		return err
	}

	metrics.RemindersSent.Inc()
	s.logger.Info("Reminder sent",
		"conversation_id", conv.ID,
		"reminder", conv.ReminderCount+1,
		"waiting", conv.WaitingFor(now).Round(time.Second))
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
