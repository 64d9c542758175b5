package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
)

func markWaiting(text string) Mutator {
	return func(conv *domain.Conversation, _ bool) error {
		conv.LastInbound = &domain.InboundMessage{Text: text, ReceivedAt: time.Now()}
		conv.NeedsReply = true
		return nil
	}
}

func TestMemoryStore_UpsertCreatesRecord(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	var sawExists bool
	conv, err := s.Upsert(ctx, "c1", func(conv *domain.Conversation, exists bool) error {
		sawExists = exists
		conv.DisplayName = "Alice"
		return nil
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if sawExists {
		t.Fatal("expected exists=false on first upsert")
	}
	if conv.ID != "c1" || conv.DisplayName != "Alice" {
		t.Fatalf("unexpected record: %+v", conv)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v %v", got, err)
	}
	if got.DisplayName != "Alice" {
		t.Errorf("expected Alice, got %q", got.DisplayName)
	}
}

func TestMemoryStore_MutatorErrorDiscardsChanges(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	sentinel := errors.New("nope")

	_, err := s.Upsert(ctx, "new", func(conv *domain.Conversation, exists bool) error {
		conv.DisplayName = "ghost"
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if got, _ := s.Get(ctx, "new"); got != nil {
		t.Fatalf("expected no record after failed create, got %+v", got)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}

	if _, err := s.Upsert(ctx, "c1", markWaiting("hi")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	_, err = s.Upsert(ctx, "c1", func(conv *domain.Conversation, _ bool) error {
		conv.NeedsReply = false
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	got, _ := s.Get(ctx, "c1")
	if !got.NeedsReply {
		t.Error("failed mutator must not change the stored record")
	}
}

func TestMemoryStore_RejectsInvalidRecord(t *testing.T) {
	s := NewMemory(nil)
	_, err := s.Upsert(context.Background(), "c1", func(conv *domain.Conversation, _ bool) error {
		conv.NeedsReply = true // no inbound message
		return nil
	})
	if !errors.Is(err, domain.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, "c1", markWaiting("hello")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, _ := s.Get(ctx, "c1")
	got.LastInbound.Text = "tampered"
	got.NeedsReply = false

	again, _ := s.Get(ctx, "c1")
	if again.LastInbound.Text != "hello" || !again.NeedsReply {
		t.Fatalf("store record was mutated through a returned copy: %+v", again)
	}
}

func TestMemoryStore_DeleteIf(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, "c1", markWaiting("hello")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	deleted, err := s.DeleteIf(ctx, "c1", func(conv *domain.Conversation) bool { return !conv.NeedsReply })
	if err != nil || deleted {
		t.Fatalf("expected no deletion, got deleted=%v err=%v", deleted, err)
	}

	deleted, err = s.Delete(ctx, "c1")
	if err != nil || !deleted {
		t.Fatalf("expected deletion, got deleted=%v err=%v", deleted, err)
	}
	if got, _ := s.Get(ctx, "c1"); got != nil {
		t.Fatal("expected record to be gone")
	}

	deleted, _ = s.Delete(ctx, "missing")
	if deleted {
		t.Error("expected false when deleting an unknown id")
	}
}

func TestMemoryStore_ForEachSortedCopies(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	for _, id := range []string{"c3", "c1", "c2"} {
		if _, err := s.Upsert(ctx, id, markWaiting(id)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	var ids []string
	err := s.ForEach(ctx, func(conv *domain.Conversation) {
		ids = append(ids, conv.ID)
		conv.NeedsReply = false
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != "c1" || ids[1] != "c2" || ids[2] != "c3" {
		t.Fatalf("expected sorted ids, got %v", ids)
	}

	got, _ := s.Get(ctx, "c2")
	if !got.NeedsReply {
		t.Error("visitor must receive copies")
	}
}

func TestMemoryStore_ConcurrentUpsertsAreSerialized(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	const workers = 50
	const perWorker = 40

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := s.Upsert(ctx, "shared", func(conv *domain.Conversation, _ bool) error {
					conv.DisplayName = strconv.Itoa(len(conv.DisplayName) + 1)
					return nil
				})
				if err != nil {
					t.Errorf("Upsert failed: %v", err)
				}
				if _, err := s.Upsert(ctx, "own-"+strconv.Itoa(w), markWaiting("x")); err != nil {
					t.Errorf("Upsert failed: %v", err)
				}
			}
		}(w)
	}

	// Concurrent deletes of unrelated records must not interfere.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < workers; i++ {
			_, _ = s.Delete(ctx, "own-"+strconv.Itoa(i))
		}
	}()
	wg.Wait()

	if got, _ := s.Get(ctx, "shared"); got == nil {
		t.Fatal("expected shared record to exist")
	}
}

func TestMemoryStore_ConcurrentCounter(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, "c1", markWaiting("hi")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Upsert(ctx, "c1", func(conv *domain.Conversation, _ bool) error {
				now := time.Now()
				conv.LastReminderAt = &now
				conv.ReminderCount++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "c1")
	if got.ReminderCount != 100 {
		t.Fatalf("expected 100 serialized increments, got %d", got.ReminderCount)
	}
}
