package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
)

// entry guards one conversation record. The map lock is never held while an
// entry lock is being acquired; the only nesting allowed is entry -> map.
type entry struct {
	mu      sync.Mutex
	conv    *domain.Conversation // nil while a create is in flight
	removed bool
}

// MemoryStore implements Repository with an in-memory map and per-record
// locks. An optional Journal receives every committed change.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	journal Journal
	now     func() time.Time
}

// NewMemory creates an empty in-memory store. journal may be nil.
func NewMemory(journal Journal) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		journal: journal,
		now:     time.Now,
	}
}

// NewMemoryFromJournal creates a store preloaded with the journal contents.
func NewMemoryFromJournal(ctx context.Context, journal Journal) (*MemoryStore, error) {
	s := NewMemory(journal)
	convs, err := journal.LoadConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	for _, conv := range convs {
		if err := conv.Validate(); err != nil {
			slog.Warn("Skipping invalid persisted conversation", "conversation_id", conv.ID, "error", err)
			continue
		}
		s.entries[conv.ID] = &entry{conv: conv}
	}
	return s, nil
}

// Get returns a copy of the record, or nil if unknown.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.conv == nil {
		return nil, nil
	}
	return e.conv.Clone(), nil
}

// Upsert atomically applies fn to the record, creating it when absent.
func (s *MemoryStore) Upsert(ctx context.Context, id string, fn Mutator) (*domain.Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("upsert: %w", domain.ErrInvalidRecord)
	}

	for {
		e := s.entryFor(id)
		result, retry, err := s.lockAndApply(ctx, id, e, fn)
		if retry {
			// Lost a race with a delete; the map now holds a fresh entry.
			continue
		}
		return result, err
	}
}

func (s *MemoryStore) lockAndApply(ctx context.Context, id string, e *entry, fn Mutator) (*domain.Conversation, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, true, nil
	}
	result, err := s.apply(ctx, id, e, fn)
	return result, false, err
}

// apply runs the mutator on a private copy and commits it. Caller holds e.mu.
func (s *MemoryStore) apply(ctx context.Context, id string, e *entry, fn Mutator) (*domain.Conversation, error) {
	exists := e.conv != nil
	var working *domain.Conversation
	if exists {
		working = e.conv.Clone()
	} else {
		now := s.now()
		working = &domain.Conversation{
			ID:          id,
			DisplayName: domain.UnknownDisplayName,
			SourceKind:  domain.SourceIndividual,
			CreatedAt:   now,
		}
	}

	if err := fn(working, exists); err != nil {
		if !exists {
			s.dropPlaceholder(id, e)
		}
		return nil, err
	}

	working.ID = id
	if err := working.Validate(); err != nil {
		if !exists {
			s.dropPlaceholder(id, e)
		}
		return nil, fmt.Errorf("upsert %s: %w", id, err)
	}

	working.UpdatedAt = s.now()
	e.conv = working

	if s.journal != nil {
		if err := s.journal.SaveConversation(ctx, working); err != nil {
			slog.Error("Failed to journal conversation", "conversation_id", id, "error", err)
		}
	}

	return working.Clone(), nil
}

// entryFor returns the entry for id, inserting an empty placeholder if needed.
func (s *MemoryStore) entryFor(id string) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e = &entry{}
	s.entries[id] = e
	return e
}

// dropPlaceholder removes an entry whose creation was abandoned. Caller holds e.mu.
func (s *MemoryStore) dropPlaceholder(id string, e *entry) {
	e.removed = true
	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// Delete removes the record unconditionally.
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.DeleteIf(ctx, id, func(*domain.Conversation) bool { return true })
}

// DeleteIf removes the record if pred holds while the record is locked.
func (s *MemoryStore) DeleteIf(ctx context.Context, id string, pred Predicate) (bool, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.conv == nil {
		return false, nil
	}
	if !pred(e.conv.Clone()) {
		return false, nil
	}

	e.removed = true
	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.DeleteConversation(ctx, id); err != nil {
			slog.Error("Failed to delete journaled conversation", "conversation_id", id, "error", err)
		}
	}
	return true, nil
}

// ForEach visits copies of the records present when iteration begins, in
// ascending id order. Records deleted before they are reached are skipped.
func (s *MemoryStore) ForEach(ctx context.Context, fn Visitor) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	snapshot := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		ids = append(ids, id)
		snapshot[id] = e
	}
	s.mu.RUnlock()

	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := snapshot[id]
		e.mu.Lock()
		var conv *domain.Conversation
		if !e.removed && e.conv != nil {
			conv = e.conv.Clone()
		}
		e.mu.Unlock()
		if conv != nil {
			fn(conv)
		}
	}
	return nil
}

// Len returns the number of records, including any whose creation is in flight.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
