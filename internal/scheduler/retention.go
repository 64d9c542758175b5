package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/ashureev/reply-relay/internal/metrics"
	"github.com/ashureev/reply-relay/internal/store"
)

// RetentionSweeper evicts resolved conversations whose last inbound message
// is older than the retention window. Records awaiting a reply are kept.
type RetentionSweeper struct {
	repo    store.Repository
	window  time.Duration
	logger  *slog.Logger
	running sync.Mutex
}

// NewRetentionSweeper creates a retention sweeper.
func NewRetentionSweeper(repo store.Repository, window time.Duration, logger *slog.Logger) *RetentionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{repo: repo, window: window, logger: logger}
}

// Expired reports whether conv may be evicted at now.
func (s *RetentionSweeper) Expired(conv *domain.Conversation, now time.Time) bool {
	if conv.NeedsReply || conv.LastInbound == nil {
		return false
	}
	return now.Sub(conv.LastInbound.ReceivedAt) >= s.window
}

// Sweep evicts expired conversations and returns how many were removed.
// Returns domain.ErrBusy if another retention sweep is in progress.
func (s *RetentionSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	if !s.running.TryLock() {
		metrics.SweepsSkipped.WithLabelValues("retention").Inc()
		s.logger.Warn("Retention sweep skipped, previous run still in progress")
		return 0, domain.ErrBusy
	}
	defer s.running.Unlock()

	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("retention").Observe(time.Since(start).Seconds())
	}()

	var candidates []string
	err := s.repo.ForEach(ctx, func(conv *domain.Conversation) {
		if s.Expired(conv, now) {
			candidates = append(candidates, conv.ID)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot conversations: %w", err)
	}

	evicted := 0
	for _, id := range candidates {
		// Re-check under the record lock; a new message may have arrived.
		deleted, err := s.repo.DeleteIf(ctx, id, func(conv *domain.Conversation) bool {
			return s.Expired(conv, now)
		})
		if err != nil {
			s.logger.Error("Retention sweep failed to evict conversation", "conversation_id", id, "error", err)
			continue
		}
		if deleted {
			evicted++
		}
	}

	metrics.ConversationsEvicted.Add(float64(evicted))
	if evicted > 0 {
		s.logger.Info("Retention sweep evicted conversations", "count", evicted, "window", s.window)
	}
	return evicted, nil
}
